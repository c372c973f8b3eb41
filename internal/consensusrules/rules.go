// Package consensusrules validates headers and bodies against the
// active fork's rules, and derives the fork-gated parameters
// internal/execengine needs to run a block (§4.8). It never executes a
// transaction itself — only checks the shape and arithmetic a header
// must satisfy before and after execution.
package consensusrules

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/execengine"
)

// Fork identifies one activation boundary in ascending order.
type Fork int

const (
	ForkLegacy Fork = iota
	ForkFeeMarket
	ForkMerge
	ForkWithdrawals
	ForkBlobs
	ForkBeaconRoot
	ForkRequests
)

// Schedule maps each fork to the block number (pre-merge forks) or
// unix timestamp (post-merge forks) at which it activates. A zero
// value for a given fork means "active from genesis".
type Schedule struct {
	FeeMarketBlock     uint64
	MergeBlock         uint64
	WithdrawalsTime    uint64
	BlobsTime          uint64
	BeaconRootTime     uint64
	RequestsTime       uint64
	ElasticityMultiplier uint64 // gas-target divisor, EIP-1559 default 2
	BaseFeeChangeDenom   uint64 // EIP-1559 default 8
	InitialBaseFee       uint64 // base fee of the fork-activation block, EIP-1559 default 1e9
	RefundDenominator    uint64 // EIP-3529 default 5
	MinBlobGasPrice        uint64
	BlobGasPriceUpdateFraction uint64
	TargetBlobGasPerBlock      uint64
	MaxBlobGasPerBlock         uint64
}

// DefaultSchedule mirrors the present-day Ethereum mainnet constants;
// a chain config supplies its own Schedule when they differ.
func DefaultSchedule() Schedule {
	return Schedule{
		ElasticityMultiplier:       2,
		BaseFeeChangeDenom:         8,
		InitialBaseFee:             1_000_000_000,
		RefundDenominator:          5,
		MinBlobGasPrice:            1,
		BlobGasPriceUpdateFraction: 3_338_477,
		TargetBlobGasPerBlock:      393_216,
		MaxBlobGasPerBlock:         786_432,
	}
}

// Active reports whether a fork is active for a header carrying the
// given number and timestamp.
func (s Schedule) Active(f Fork, number, timestamp uint64) bool {
	switch f {
	case ForkFeeMarket:
		return number >= s.FeeMarketBlock
	case ForkMerge:
		return number >= s.MergeBlock
	case ForkWithdrawals:
		return timestamp >= s.WithdrawalsTime
	case ForkBlobs:
		return timestamp >= s.BlobsTime
	case ForkBeaconRoot:
		return timestamp >= s.BeaconRootTime
	case ForkRequests:
		return timestamp >= s.RequestsTime
	default:
		return true
	}
}

// ForkRules derives the execengine.ForkRules an active header needs.
func (s Schedule) ForkRules(h *chain.Header) execengine.ForkRules {
	return execengine.ForkRules{
		MaxRefundDenominator: s.refundDenominator(),
		RequireBeaconRoot:    s.Active(ForkBeaconRoot, h.Number, h.Timestamp),
		RequireWithdrawals:   s.Active(ForkWithdrawals, h.Number, h.Timestamp),
	}
}

func (s Schedule) refundDenominator() uint64 {
	if s.RefundDenominator == 0 {
		return 5
	}
	return s.RefundDenominator
}

var (
	ErrExtraDataTooLong  = errors.New("consensusrules: extra data exceeds the fork's maximum")
	ErrGasUsedExceedsLimit = errors.New("consensusrules: gas used exceeds gas limit")
	ErrGasLimitOutOfBounds = errors.New("consensusrules: gas limit outside the ±1/1024 parent bound")
	ErrBadTimestamp      = errors.New("consensusrules: timestamp does not strictly increase")
	ErrBadBaseFee        = errors.New("consensusrules: base fee does not match the derived value")
	ErrPostMergeShape    = errors.New("consensusrules: post-merge header has non-zero difficulty/nonce or non-empty ommers")
	ErrMissingField      = errors.New("consensusrules: header missing a field its active fork requires")
	ErrUnexpectedField   = errors.New("consensusrules: header carries a field its active fork forbids")

	MaxExtraDataBytes = 32
	GasLimitBoundDivisor uint64 = 1024
	MinGasLimit          uint64 = 5000
)

// ValidateHeaderStandalone checks everything about a header that does
// not require its parent or execution outcome (§4.8 Pre-execution).
func (s Schedule) ValidateHeaderStandalone(h *chain.Header) error {
	if len(h.ExtraData) > MaxExtraDataBytes {
		return fmt.Errorf("%w: %d bytes", ErrExtraDataTooLong, len(h.ExtraData))
	}
	if h.GasUsed > h.GasLimit {
		return ErrGasUsedExceedsLimit
	}

	postMerge := s.Active(ForkMerge, h.Number, h.Timestamp)
	if postMerge {
		if h.Difficulty != 0 || h.Nonce != 0 || h.OmmersHash != cryptoutil.EmptyUncleHash {
			return ErrPostMergeShape
		}
	}

	if err := s.checkFieldPresence(h); err != nil {
		return err
	}
	return nil
}

func (s Schedule) checkFieldPresence(h *chain.Header) error {
	withdrawals := s.Active(ForkWithdrawals, h.Number, h.Timestamp)
	if withdrawals && h.WithdrawalsRoot == nil {
		return fmt.Errorf("%w: withdrawals root", ErrMissingField)
	}
	if !withdrawals && h.WithdrawalsRoot != nil {
		return fmt.Errorf("%w: withdrawals root", ErrUnexpectedField)
	}

	blobs := s.Active(ForkBlobs, h.Number, h.Timestamp)
	if blobs && (h.BlobGasUsed == nil || h.ExcessBlobGas == nil) {
		return fmt.Errorf("%w: blob gas fields", ErrMissingField)
	}
	if !blobs && (h.BlobGasUsed != nil || h.ExcessBlobGas != nil) {
		return fmt.Errorf("%w: blob gas fields", ErrUnexpectedField)
	}

	beaconRoot := s.Active(ForkBeaconRoot, h.Number, h.Timestamp)
	if beaconRoot && h.ParentBeaconBlockRoot == nil {
		return fmt.Errorf("%w: parent beacon block root", ErrMissingField)
	}
	if !beaconRoot && h.ParentBeaconBlockRoot != nil {
		return fmt.Errorf("%w: parent beacon block root", ErrUnexpectedField)
	}

	requests := s.Active(ForkRequests, h.Number, h.Timestamp)
	if requests && h.RequestsHash == nil {
		return fmt.Errorf("%w: requests hash", ErrMissingField)
	}
	if !requests && h.RequestsHash != nil {
		return fmt.Errorf("%w: requests hash", ErrUnexpectedField)
	}
	return nil
}

// ValidateAgainstParent checks everything that requires the parent
// header (§4.8 Pre-execution, parent-relative checks).
func (s Schedule) ValidateAgainstParent(h, parent *chain.Header) error {
	if h.Timestamp <= parent.Timestamp {
		return ErrBadTimestamp
	}

	bound := parent.GasLimit / GasLimitBoundDivisor
	if bound == 0 {
		bound = 1
	}
	if h.GasLimit > parent.GasLimit+bound || h.GasLimit < parent.GasLimit-bound || h.GasLimit < MinGasLimit {
		return ErrGasLimitOutOfBounds
	}

	if s.Active(ForkFeeMarket, h.Number, h.Timestamp) {
		want := s.NextBaseFee(parent)
		if h.BaseFee == nil || h.BaseFee.Cmp(want) != 0 {
			return ErrBadBaseFee
		}
	}
	return nil
}

// NextBaseFee implements EIP-1559's base-fee adjustment, producing the
// base fee a child of parent must carry.
func (s Schedule) NextBaseFee(parent *chain.Header) *uint256.Int {
	if parent.BaseFee == nil {
		return uint256.NewInt(s.initialBaseFee())
	}

	elasticity := s.elasticityMultiplier()
	gasTarget := parent.GasLimit / elasticity
	if gasTarget == 0 {
		return new(uint256.Int).Set(parent.BaseFee)
	}

	denom := s.baseFeeChangeDenom()
	if parent.GasUsed == gasTarget {
		return new(uint256.Int).Set(parent.BaseFee)
	}
	if parent.GasUsed > gasTarget {
		delta := parent.GasUsed - gasTarget
		change := new(uint256.Int).Mul(parent.BaseFee, uint256.NewInt(delta))
		change.Div(change, uint256.NewInt(gasTarget))
		change.Div(change, uint256.NewInt(denom))
		if change.IsZero() {
			change = uint256.NewInt(1)
		}
		return new(uint256.Int).Add(parent.BaseFee, change)
	}

	delta := gasTarget - parent.GasUsed
	change := new(uint256.Int).Mul(parent.BaseFee, uint256.NewInt(delta))
	change.Div(change, uint256.NewInt(gasTarget))
	change.Div(change, uint256.NewInt(denom))
	next := new(uint256.Int).Sub(parent.BaseFee, change)
	if next.Sign() < 0 {
		return uint256.NewInt(0)
	}
	return next
}

func (s Schedule) elasticityMultiplier() uint64 {
	if s.ElasticityMultiplier == 0 {
		return 2
	}
	return s.ElasticityMultiplier
}

func (s Schedule) baseFeeChangeDenom() uint64 {
	if s.BaseFeeChangeDenom == 0 {
		return 8
	}
	return s.BaseFeeChangeDenom
}

func (s Schedule) initialBaseFee() uint64 {
	if s.InitialBaseFee == 0 {
		return 1_000_000_000
	}
	return s.InitialBaseFee
}

// ValidatePostExecution checks the header fields that can only be
// confirmed once the block has been run (§4.8 Post-execution).
func (s Schedule) ValidatePostExecution(h *chain.Header, gasUsed uint64, receiptsRoot, stateRoot cryptoutil.Hash) error {
	if gasUsed != h.GasUsed {
		return fmt.Errorf("consensusrules: header gas_used %d does not match computed %d", h.GasUsed, gasUsed)
	}
	if h.ReceiptsRoot != receiptsRoot {
		return fmt.Errorf("%w: receipts root", execengine.ErrRootMismatch)
	}
	if h.StateRoot != stateRoot {
		return fmt.Errorf("%w: state root", execengine.ErrRootMismatch)
	}
	return nil
}
