package consensusrules

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	gokzg4844 "github.com/crate-crypto/go-kzg-4844"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// blobCommitmentVersion is EIP-4844's version byte for a blob's
// versioned hash (the first byte of sha256(commitment), overwritten).
const blobCommitmentVersion = 0x01

var (
	ErrBlobWrongSize       = errors.New("consensusrules: blob is not exactly one KZG blob's worth of scalars")
	ErrCommitmentWrongSize = errors.New("consensusrules: commitment or proof is not a compressed G1 point")
	ErrVersionedHashMismatch = errors.New("consensusrules: commitment does not hash to the claimed versioned hash")

	kzgCtx     *gokzg4844.Context
	kzgCtxOnce sync.Once
	kzgCtxErr  error
)

func blobContext() (*gokzg4844.Context, error) {
	kzgCtxOnce.Do(func() {
		kzgCtx, kzgCtxErr = gokzg4844.NewContext4096Secure()
	})
	return kzgCtx, kzgCtxErr
}

// KZGToVersionedHash derives the versioned hash EIP-4844 transactions
// carry in BlobVersionedHashes from a blob's KZG commitment: sha256 of
// the compressed commitment, with the first byte overwritten by the
// blob commitment version.
func KZGToVersionedHash(commitment []byte) cryptoutil.Hash {
	digest := sha256.Sum256(commitment)
	digest[0] = blobCommitmentVersion
	return cryptoutil.Hash(digest)
}

// VerifyBlobSidecar checks that blob opens to commitment under proof,
// and that commitment hashes to the versioned hash the carrying
// transaction claims (spec §4.4's blob-gas accounting trusts the
// versioned hash list is genuine; this is what makes that trust
// sound). One blob/commitment/proof/hash per call, matching how a
// sidecar's parallel arrays line up element-for-element.
func VerifyBlobSidecar(blob, commitment, proof []byte, versionedHash cryptoutil.Hash) error {
	if len(blob) != gokzg4844.ScalarsPerBlob*gokzg4844.SerializedScalarSize {
		return ErrBlobWrongSize
	}
	if len(commitment) != gokzg4844.CompressedG1Size || len(proof) != gokzg4844.CompressedG1Size {
		return ErrCommitmentWrongSize
	}
	if KZGToVersionedHash(commitment) != versionedHash {
		return ErrVersionedHashMismatch
	}

	var b gokzg4844.Blob
	copy(b[:], blob)
	var cmt gokzg4844.KZGCommitment
	copy(cmt[:], commitment)
	var pf gokzg4844.KZGProof
	copy(pf[:], proof)

	ctx, err := blobContext()
	if err != nil {
		return fmt.Errorf("consensusrules: init KZG context: %w", err)
	}
	if err := ctx.VerifyBlobKZGProof(&b, cmt, pf); err != nil {
		return fmt.Errorf("consensusrules: KZG proof verification failed: %w", err)
	}
	return nil
}
