package execengine

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sourcegraph/conc/pool"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/state"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// ErrInvalidSignature, ErrNonceMismatch, ErrInsufficientBalance, and
// ErrIntrinsicGasExceeded are the structural per-transaction rejections of
// spec §4.4 step 1-4 that abort the whole block (§4.4 Failure
// semantics), as opposed to an interpreter-level revert, which only
// produces a failed receipt.
var (
	ErrInvalidSignature    = errors.New("execengine: signature recovery failed")
	ErrNonceMismatch       = errors.New("execengine: nonce mismatch")
	ErrInsufficientBalance = errors.New("execengine: insufficient balance for upfront cost")
	ErrIntrinsicGasExceeded = errors.New("execengine: intrinsic gas exceeds gas limit")
	ErrRootMismatch        = errors.New("execengine: computed root does not match header")
)

// ForkRules carries the small set of fork-gated execution parameters
// the engine itself (as opposed to header/body validation, owned by
// internal/consensusrules) needs to run a block.
type ForkRules struct {
	// MaxRefundDenominator caps the refund at usedGas/MaxRefundDenominator
	// (EIP-3529's post-London value is 5; pre-London chains used 2).
	MaxRefundDenominator uint64
	// RequireBeaconRoot / RequireWithdrawals record which optional
	// per-block system steps (§4.4 step 2/4/5) the fork enables.
	// Processor does not read them: withdrawals are always applied and
	// no beacon-root step runs.
	RequireBeaconRoot bool
	RequireWithdrawals bool
}

// BlockHashWindow resolves a canonical block number to its hash for
// the BLOCKHASH opcode; ProcessWithSenders consults it only for the
// 256 most recent ancestors of the block being executed.
type BlockHashWindow func(n uint64) cryptoutil.Hash

// Processor executes every transaction of a block against a working
// state and assembles the resulting receipts, gas total, and bloom
// (§4.4 Responsibility).
type Processor struct {
	Interp Interpreter
	Rules  ForkRules
}

func New(interp Interpreter, rules ForkRules) *Processor {
	return &Processor{Interp: interp, Rules: rules}
}

// Process runs the per-block procedure of §4.4: execute transactions
// in order, apply withdrawals, and return the artifacts the caller
// folds into the new header (state root is computed by the caller via
// internal/state.HashedMirror once this returns). No system
// transactions (beacon-root or historical-hash storage) are applied.
func (p *Processor) Process(block *chain.Block, ibs *state.IntraBlockState, blockHashes BlockHashWindow) ([]*txtypes.Receipt, uint64, txtypes.Bloom, error) {
	senders, err := p.recoverSenders(block.Body.Transactions)
	if err != nil {
		return nil, 0, txtypes.Bloom{}, err
	}
	return p.ProcessWithSenders(block, senders, ibs, blockHashes)
}

// ProcessWithSenders runs the same per-block procedure as Process but
// against already-recovered senders, for callers (the senders stage
// persists them ahead of execution) that would otherwise pay for
// signature recovery twice.
func (p *Processor) ProcessWithSenders(block *chain.Block, senders []cryptoutil.Address, ibs *state.IntraBlockState, blockHashes BlockHashWindow) ([]*txtypes.Receipt, uint64, txtypes.Bloom, error) {
	if len(senders) != len(block.Body.Transactions) {
		return nil, 0, txtypes.Bloom{}, fmt.Errorf("execengine: got %d senders for %d transactions", len(senders), len(block.Body.Transactions))
	}
	number := block.Header.Number
	host := newStateHost(ibs, func(n uint64) cryptoutil.Hash {
		if blockHashes == nil || n >= number || number-n > 256 {
			return cryptoutil.Hash{}
		}
		return blockHashes(n)
	})

	baseFee := block.Header.BaseFee
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}

	receipts := make([]*txtypes.Receipt, 0, len(block.Body.Transactions))
	var cumulativeGas uint64
	for i, tx := range block.Body.Transactions {
		rc, err := p.executeOne(host, ibs, tx, senders[i], baseFee, block.Header.Beneficiary, &cumulativeGas)
		if err != nil {
			return nil, 0, txtypes.Bloom{}, fmt.Errorf("execengine: tx %d: %w", i, err)
		}
		receipts = append(receipts, rc)
	}

	p.applyWithdrawals(ibs, block.Body.Withdrawals)

	return receipts, cumulativeGas, txtypes.ReceiptsBloom(receipts), nil
}

// recoverSenders recovers every transaction's sender in parallel
// (§4.4 Parallelism: "signature recovery... are parallelizable and
// should be"); the caller still applies transactions to state in
// order afterward.
func (p *Processor) recoverSenders(txs []*txtypes.Transaction) ([]cryptoutil.Address, error) {
	senders := make([]cryptoutil.Address, len(txs))
	errs := make([]error, len(txs))

	wp := pool.New().WithMaxGoroutines(8)
	for i, tx := range txs {
		i, tx := i, tx
		wp.Go(func() {
			sigHash := tx.SigningHash(tx.Hash()[:])
			addr, err := tx.Sender(sigHash)
			senders[i], errs[i] = addr, err
		})
	}
	wp.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	return senders, nil
}

// executeOne runs the per-transaction procedure of §4.4 steps 1-7.
func (p *Processor) executeOne(host *stateHost, ibs *state.IntraBlockState, tx *txtypes.Transaction, sender cryptoutil.Address,
	baseFee *uint256.Int, beneficiary cryptoutil.Address, cumulativeGas *uint64) (*txtypes.Receipt, error) {

	ibs.ResetRefund()

	account, err := ibs.Basic(sender)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = state.NewAccount()
	}

	if account.Nonce != tx.Nonce {
		return nil, fmt.Errorf("%w: account %d tx %d", ErrNonceMismatch, account.Nonce, tx.Nonce)
	}

	upfront := tx.UpfrontCost(baseFee)
	if account.Balance.Cmp(upfront) < 0 {
		return nil, ErrInsufficientBalance
	}

	intrinsic := tx.IntrinsicGas()
	if intrinsic > tx.GasLimit {
		return nil, ErrIntrinsicGasExceeded
	}

	effectivePrice := tx.EffectiveGasPrice(baseFee)
	upfrontGasCost := new(uint256.Int).Mul(effectivePrice, new(uint256.Int).SetUint64(tx.GasLimit))
	newBalance := new(uint256.Int).Sub(&account.Balance, upfrontGasCost)
	ibs.SetBalance(sender, newBalance)
	ibs.SetNonce(sender, account.Nonce+1)

	gasForExecution := tx.GasLimit - intrinsic
	result := p.Interp.Run(host, sender, tx.To, tx.Input, gasForExecution, &tx.Value)

	gasUsedByExec := gasForExecution - result.GasLeft
	refund := ibs.Refund()
	maxRefund := (intrinsic + gasUsedByExec) / p.refundDenominator()
	if refund > maxRefund {
		refund = maxRefund
	}
	totalGasUsed := intrinsic + gasUsedByExec - refund

	refundWei := new(uint256.Int).Mul(effectivePrice, new(uint256.Int).SetUint64(tx.GasLimit-totalGasUsed))
	acctAfter, err := ibs.Basic(sender)
	if err != nil {
		return nil, err
	}
	if acctAfter != nil {
		restored := new(uint256.Int).Add(&acctAfter.Balance, refundWei)
		ibs.SetBalance(sender, restored)
	}

	priorityFee := tx.EffectivePriorityFee(baseFee)
	p.creditBeneficiary(ibs, beneficiary, priorityFee, totalGasUsed)

	*cumulativeGas += totalGasUsed
	logs := ibs.Logs()
	rc := &txtypes.Receipt{
		TxNum:         0, // assigned by the caller when persisting, per the global TN sequence
		Success:       result.Success,
		CumulativeGas: *cumulativeGas,
		GasUsed:       totalGasUsed,
	}
	for _, l := range logs {
		rc.Logs = append(rc.Logs, txtypes.Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	txtypes.OrBloom(&rc.Bloom, rc.Logs)
	return rc, nil
}

// creditBeneficiary pays the priority-fee portion to the block
// beneficiary; the base-fee portion is burned by simply not crediting
// it anywhere (§4.4 step 6).
func (p *Processor) creditBeneficiary(ibs *state.IntraBlockState, beneficiary cryptoutil.Address, priorityFee *uint256.Int, gasUsed uint64) {
	acct, _ := ibs.Basic(beneficiary)
	if acct == nil {
		acct = state.NewAccount()
	}
	reward := new(uint256.Int).Mul(priorityFee, new(uint256.Int).SetUint64(gasUsed))
	newBalance := new(uint256.Int).Add(&acct.Balance, reward)
	ibs.SetBalance(beneficiary, newBalance)
}

func (p *Processor) refundDenominator() uint64 {
	if p.Rules.MaxRefundDenominator == 0 {
		return 5
	}
	return p.Rules.MaxRefundDenominator
}

// applyWithdrawals credits validator withdrawal amounts directly,
// consuming no gas and producing no receipt (§4.4 step 4).
func (p *Processor) applyWithdrawals(ibs *state.IntraBlockState, withdrawals []*chain.Withdrawal) {
	for _, w := range withdrawals {
		acct, _ := ibs.Basic(w.Address)
		if acct == nil {
			acct = state.NewAccount()
		}
		amountWei := new(uint256.Int).Mul(new(uint256.Int).SetUint64(w.AmountGwei), new(uint256.Int).SetUint64(1_000_000_000))
		newBalance := new(uint256.Int).Add(&acct.Balance, amountWei)
		ibs.SetBalance(w.Address, newBalance)
	}
}
