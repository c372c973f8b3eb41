package consensusrules

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	gokzg4844 "github.com/crate-crypto/go-kzg-4844"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

func TestKZGToVersionedHashSetsVersionByte(t *testing.T) {
	commitment := bytes.Repeat([]byte{0xab}, gokzg4844.CompressedG1Size)
	got := KZGToVersionedHash(commitment)
	if got[0] != blobCommitmentVersion {
		t.Fatalf("expected version byte 0x%02x, got 0x%02x", blobCommitmentVersion, got[0])
	}
	want := sha256.Sum256(commitment)
	want[0] = blobCommitmentVersion
	if got != cryptoutil.Hash(want) {
		t.Fatalf("versioned hash mismatch: got %s want %s", got, cryptoutil.Hash(want))
	}
}

func TestVerifyBlobSidecarRejectsWrongSizes(t *testing.T) {
	var vh cryptoutil.Hash
	err := VerifyBlobSidecar([]byte("too short"), nil, nil, vh)
	if !errors.Is(err, ErrBlobWrongSize) {
		t.Fatalf("expected ErrBlobWrongSize, got %v", err)
	}

	blob := make([]byte, gokzg4844.ScalarsPerBlob*gokzg4844.SerializedScalarSize)
	err = VerifyBlobSidecar(blob, []byte("short commitment"), []byte("short proof"), vh)
	if !errors.Is(err, ErrCommitmentWrongSize) {
		t.Fatalf("expected ErrCommitmentWrongSize, got %v", err)
	}
}

func TestVerifyBlobSidecarRejectsMismatchedVersionedHash(t *testing.T) {
	blob := make([]byte, gokzg4844.ScalarsPerBlob*gokzg4844.SerializedScalarSize)
	commitment := bytes.Repeat([]byte{0x01}, gokzg4844.CompressedG1Size)
	proof := bytes.Repeat([]byte{0x02}, gokzg4844.CompressedG1Size)

	var wrongHash cryptoutil.Hash
	wrongHash[0] = blobCommitmentVersion
	wrongHash[1] = 0xff

	err := VerifyBlobSidecar(blob, commitment, proof, wrongHash)
	if !errors.Is(err, ErrVersionedHashMismatch) {
		t.Fatalf("expected ErrVersionedHashMismatch, got %v", err)
	}
}
