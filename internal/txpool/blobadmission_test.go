package txpool

import (
	"context"
	"errors"
	"testing"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/txtypes"
)

func TestAddBlobTxRejectsSidecarLengthMismatch(t *testing.T) {
	p := &Pool{}
	tx := &txtypes.Transaction{
		Kind:                txtypes.Blob,
		BlobVersionedHashes: []cryptoutil.Hash{{}, {}},
	}
	sidecar := BlobSidecar{
		Blobs:       [][]byte{{0x01}},
		Commitments: [][]byte{{0x01}},
		Proofs:      [][]byte{{0x01}},
	}
	err := p.AddBlobTx(context.Background(), tx, sidecar, External)
	if !errors.Is(err, ErrInvalidSidecar) {
		t.Fatalf("expected ErrInvalidSidecar, got %v", err)
	}
}
