package consensusrules

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
)

func TestNextBaseFeeStableAtTarget(t *testing.T) {
	s := DefaultSchedule()
	parent := &chain.Header{
		GasLimit: 30_000_000,
		GasUsed:  15_000_000,
		BaseFee:  uint256.NewInt(1_000_000_000),
	}
	got := s.NextBaseFee(parent)
	if got.Cmp(parent.BaseFee) != 0 {
		t.Fatalf("expected base fee unchanged at target usage, got %s", got)
	}
}

func TestNextBaseFeeRisesWhenFull(t *testing.T) {
	s := DefaultSchedule()
	parent := &chain.Header{
		GasLimit: 30_000_000,
		GasUsed:  30_000_000,
		BaseFee:  uint256.NewInt(1_000_000_000),
	}
	got := s.NextBaseFee(parent)
	if got.Cmp(parent.BaseFee) <= 0 {
		t.Fatalf("expected base fee to rise above %s, got %s", parent.BaseFee, got)
	}
}

func TestNextBaseFeeFallsWhenEmpty(t *testing.T) {
	s := DefaultSchedule()
	parent := &chain.Header{
		GasLimit: 30_000_000,
		GasUsed:  0,
		BaseFee:  uint256.NewInt(1_000_000_000),
	}
	got := s.NextBaseFee(parent)
	if got.Cmp(parent.BaseFee) >= 0 {
		t.Fatalf("expected base fee to fall below %s, got %s", parent.BaseFee, got)
	}
}

func TestValidateHeaderStandaloneRejectsOversizedExtraData(t *testing.T) {
	s := DefaultSchedule()
	h := &chain.Header{ExtraData: make([]byte, MaxExtraDataBytes+1)}
	if err := s.ValidateHeaderStandalone(h); err == nil {
		t.Fatalf("expected rejection of oversized extra data")
	}
}

func TestValidateHeaderStandalonePostMergeShape(t *testing.T) {
	s := Schedule{}
	s.MergeBlock = 0
	h := &chain.Header{
		Number:     1,
		Difficulty: 1,
		OmmersHash: [32]byte{},
	}
	if err := s.ValidateHeaderStandalone(h); err == nil {
		t.Fatalf("expected rejection of non-zero difficulty on a post-merge header")
	}
}

func TestValidateAgainstParentGasLimitBound(t *testing.T) {
	s := DefaultSchedule()
	parent := &chain.Header{GasLimit: 30_000_000, Timestamp: 100}
	child := &chain.Header{GasLimit: 30_000_000 + 30_000_000/1024 + 1, Timestamp: 101}
	if err := s.ValidateAgainstParent(child, parent); err == nil {
		t.Fatalf("expected rejection of a gas limit change outside the 1/1024 bound")
	}
}

func TestCalcExcessBlobGasBelowTargetIsZero(t *testing.T) {
	s := DefaultSchedule()
	used := uint64(0)
	parent := &chain.Header{BlobGasUsed: &used, ExcessBlobGas: &used}
	if got := s.CalcExcessBlobGas(parent); got != 0 {
		t.Fatalf("expected zero excess blob gas, got %d", got)
	}
}
