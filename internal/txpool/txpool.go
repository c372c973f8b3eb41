// Package txpool implements the mempool of spec §4.5: admission,
// per-sender nonce ordering, fee/origin-priority iteration, capacity
// eviction, and the canonical-chain hook that keeps pending
// transactions consistent with the chain's actual tip.
package txpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/consensusrules"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/provider"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// Origin classifies where a transaction entered the node, per spec
// §4.5 "Origin classes". Ordering only ever compares OriginBonus, so
// the numeric gap between constants is otherwise meaningless.
type Origin uint8

const (
	External Origin = iota
	Private
	Local
)

// originBonus returns the additive ordering term for o: at equal fee,
// Local beats Private beats External.
func (o Origin) originBonus() int64 {
	switch o {
	case Local:
		return 2
	case Private:
		return 1
	default:
		return 0
	}
}

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Private:
		return "private"
	default:
		return "external"
	}
}

var (
	ErrAlreadyKnown       = errors.New("txpool: transaction already known")
	ErrInvalidSignature   = errors.New("txpool: signature recovery failed")
	ErrIntrinsicGas       = errors.New("txpool: intrinsic gas exceeds gas limit")
	ErrOversizedData      = errors.New("txpool: transaction exceeds size limit")
	ErrGasLimitTooHigh    = errors.New("txpool: gas limit exceeds block gas limit")
	ErrNonceTooLow        = errors.New("txpool: nonce below account's on-chain nonce")
	ErrInsufficientFunds  = errors.New("txpool: balance insufficient for upfront cost")
	ErrReplacementUnderpriced = errors.New("txpool: replacement transaction fee bump too small")
	ErrPoolNotReady       = errors.New("txpool: no canonical head yet")
	ErrInvalidSidecar     = errors.New("txpool: blob sidecar failed KZG verification")
)

// Config bounds pool capacity and the admission pipeline's numeric
// thresholds (spec §4.5 "Pool-capacity check" / "Replacement check").
type Config struct {
	MaxCount int
	MaxBytes int

	// QueuedTTL is the bounded wait spec §4.5 "Per-sender structure"
	// allows a nonce-gapped queued transaction before it is dropped.
	QueuedTTL time.Duration

	// PriceBumpPercent/BlobPriceBumpPercent are the minimum percentage
	// a replacement's fee fields must exceed the incumbent's by,
	// blob-carrying replacements requiring the larger of the two.
	PriceBumpPercent     uint64
	BlobPriceBumpPercent uint64

	// SeenCacheSize bounds the LRU of recently rejected/mined hashes
	// this pool uses to fast-reject resubmits without repeating full
	// validation.
	SeenCacheSize int

	MaxDataSize int
}

func DefaultConfig() Config {
	return Config{
		MaxCount:             10_000,
		MaxBytes:             32 << 20,
		QueuedTTL:            3 * time.Hour,
		PriceBumpPercent:     10,
		BlobPriceBumpPercent: 100,
		SeenCacheSize:        65_536,
		MaxDataSize:          128 << 10,
	}
}

type pendingTx struct {
	tx      *txtypes.Transaction
	hash    cryptoutil.Hash
	sender  cryptoutil.Address
	origin  Origin
	addedAt time.Time
	size    int
}

// Tx, Sender, Origin, and Hash expose a BestIterator entry's fields to
// callers outside this package (the payload builder, §4.7) without
// exporting pendingTx's internal bookkeeping fields.
func (p *pendingTx) Tx() *txtypes.Transaction  { return p.tx }
func (p *pendingTx) Sender() cryptoutil.Address { return p.sender }
func (p *pendingTx) Origin() Origin             { return p.origin }
func (p *pendingTx) Hash() cryptoutil.Hash       { return p.hash }

func (p *pendingTx) priority(baseFee *uint256.Int) priority {
	return priority{
		fee:     p.tx.EffectivePriorityFee(baseFee),
		bonus:   p.origin.originBonus(),
		addedAt: p.addedAt,
	}
}

// Pool is the single logical owner of pending transactions (spec §5
// "Shared-resource policy"): AddTx/canonical-chain hooks serialize
// through mu, while BestIterator takes its own consistent snapshot so
// readers never block a mutator mid-build.
type Pool struct {
	cfg      Config
	schedule consensusrules.Schedule
	states   provider.StateProviderFactory
	log      *zap.Logger

	mu         sync.Mutex
	byHash     map[cryptoutil.Hash]*pendingTx
	bySender   map[cryptoutil.Address]*senderQueue
	totalBytes int

	head *chain.Header

	seen *lru.Cache[cryptoutil.Hash, struct{}]
	hub  *eventHub
}

func New(cfg Config, schedule consensusrules.Schedule, states provider.StateProviderFactory, log *zap.Logger) *Pool {
	if log == nil {
		log, _ = zap.NewProduction()
	}
	seen, _ := lru.New[cryptoutil.Hash, struct{}](cfg.SeenCacheSize)
	return &Pool{
		cfg:      cfg,
		schedule: schedule,
		states:   states,
		log:      log,
		byHash:   make(map[cryptoutil.Hash]*pendingTx),
		bySender: make(map[cryptoutil.Address]*senderQueue),
		seen:     seen,
		hub:      newEventHub(),
	}
}

// Events returns the subscription hub external observers attach to
// for the Added/Replaced/Removed/Mined/Full stream of spec §4.5
// "Subscriptions".
func (p *Pool) Events() *eventHub { return p.hub }

// Len reports the total number of transactions currently tracked
// (ready and queued combined).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Has reports whether hash is already tracked by the pool.
func (p *Pool) Has(hash cryptoutil.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Get returns the transaction for hash, if still pending.
func (p *Pool) Get(hash cryptoutil.Hash) (*txtypes.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.byHash[hash]
	if !ok {
		return nil, false
	}
	return pt.tx, true
}

// SetHead installs the canonical head the pool validates new
// transactions against; callers must call this once before the first
// AddTx (node startup) and again from OnCanonicalBlock/OnReorg.
func (p *Pool) SetHead(h *chain.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = h
}

// BlobSidecar carries the blobs/commitments/proofs accompanying a
// Blob-kind transaction submission. The pool never retains blob data
// once admission succeeds; only the transaction's small
// BlobVersionedHashes list is kept in byHash/senderQueue.
type BlobSidecar struct {
	Blobs       [][]byte
	Commitments [][]byte
	Proofs      [][]byte
}

// AddBlobTx verifies sidecar against tx.BlobVersionedHashes element by
// element before running the normal four-step admission pipeline: a
// Blob-kind transaction is admitted only once its data actually opens
// under KZG, not merely once its versioned-hash list is well-formed.
func (p *Pool) AddBlobTx(ctx context.Context, tx *txtypes.Transaction, sidecar BlobSidecar, origin Origin) error {
	n := len(tx.BlobVersionedHashes)
	if len(sidecar.Blobs) != n || len(sidecar.Commitments) != n || len(sidecar.Proofs) != n {
		return fmt.Errorf("%w: sidecar array length mismatch", ErrInvalidSidecar)
	}
	for i, vh := range tx.BlobVersionedHashes {
		if err := consensusrules.VerifyBlobSidecar(sidecar.Blobs[i], sidecar.Commitments[i], sidecar.Proofs[i], vh); err != nil {
			return fmt.Errorf("%w: blob %d: %v", ErrInvalidSidecar, i, err)
		}
	}
	return p.AddTx(ctx, tx, origin)
}

// AddTx runs the four-step admission pipeline of spec §4.5 against tx,
// arriving from origin.
func (p *Pool) AddTx(ctx context.Context, tx *txtypes.Transaction, origin Origin) error {
	sigHash := tx.SigningHash(tx.Hash()[:])
	sender, err := tx.Sender(sigHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hash := tx.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head == nil {
		return ErrPoolNotReady
	}
	if _, ok := p.byHash[hash]; ok {
		return ErrAlreadyKnown
	}
	if _, ok := p.seen.Get(hash); ok {
		return ErrAlreadyKnown
	}

	if err := p.validateStructural(tx); err != nil {
		return err
	}

	account, err := p.accountAt(ctx, sender)
	if err != nil {
		return fmt.Errorf("txpool: read account %s: %w", sender, err)
	}
	if tx.Nonce < account.Nonce {
		return ErrNonceTooLow
	}
	upfront := tx.UpfrontCost(p.baseFee())
	if account.Balance.Cmp(upfront) < 0 {
		return ErrInsufficientFunds
	}

	pt := &pendingTx{tx: tx, hash: hash, sender: sender, origin: origin, addedAt: time.Now(), size: len(tx.Encode())}
	if pt.size > p.cfg.MaxDataSize {
		return ErrOversizedData
	}

	sq := p.senderQueueFor(sender)
	if existing, ok := sq.txs[tx.Nonce]; ok {
		if !p.replaces(existing, pt) {
			return ErrReplacementUnderpriced
		}
		delete(p.byHash, existing.hash)
		p.totalBytes -= existing.size
		p.seen.Add(existing.hash, struct{}{})
		p.hub.publish(Event{Kind: EventReplaced, Hash: hash, OldHash: existing.hash})
	}

	sq.txs[tx.Nonce] = pt
	p.byHash[hash] = pt
	p.totalBytes += pt.size
	sq.refreshReady(account.Nonce)

	p.hub.publish(Event{Kind: EventAdded, Hash: hash})
	p.evictIfOverCapacity()
	return nil
}

// replaces decides whether incoming may replace existing at the same
// (sender, nonce) slot: its fee fields must exceed the incumbent's by
// at least the configured bump percentage, blob-carrying replacements
// requiring the larger, type-specific bump (spec §4.5 step 3).
func (p *Pool) replaces(existing, incoming *pendingTx) bool {
	bump := p.cfg.PriceBumpPercent
	if existing.tx.Kind == txtypes.Blob || incoming.tx.Kind == txtypes.Blob {
		bump = p.cfg.BlobPriceBumpPercent
	}
	required := func(old *uint256.Int) *uint256.Int {
		num := new(uint256.Int).Mul(old, uint256.NewInt(100+bump))
		return num.Div(num, uint256.NewInt(100))
	}
	oldTip, oldFee := feeCaps(existing.tx)
	newTip, newFee := feeCaps(incoming.tx)
	if newTip.Cmp(required(&oldTip)) < 0 {
		return false
	}
	if newFee.Cmp(required(&oldFee)) < 0 {
		return false
	}
	return true
}

func feeCaps(tx *txtypes.Transaction) (tip, fee uint256.Int) {
	switch tx.Kind {
	case txtypes.Legacy, txtypes.AccessList:
		return tx.GasPrice, tx.GasPrice
	default:
		return tx.GasTipCap, tx.GasFeeCap
	}
}

func (p *Pool) validateStructural(tx *txtypes.Transaction) error {
	if tx.IntrinsicGas() > tx.GasLimit {
		return ErrIntrinsicGas
	}
	if p.head != nil && tx.GasLimit > p.head.GasLimit {
		return ErrGasLimitTooHigh
	}
	return nil
}

func (p *Pool) baseFee() *uint256.Int {
	if p.head == nil || p.head.BaseFee == nil {
		return new(uint256.Int)
	}
	return p.head.BaseFee
}

func (p *Pool) accountAt(ctx context.Context, addr cryptoutil.Address) (*txAccountView, error) {
	reader, err := p.states.LatestState(ctx)
	if err != nil {
		return nil, err
	}
	acct, err := reader.Account(addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return &txAccountView{}, nil
	}
	return &txAccountView{Nonce: acct.Nonce, Balance: acct.Balance}, nil
}

type txAccountView struct {
	Nonce   uint64
	Balance uint256.Int
}

func (p *Pool) senderQueueFor(addr cryptoutil.Address) *senderQueue {
	sq, ok := p.bySender[addr]
	if !ok {
		sq = newSenderQueue()
		p.bySender[addr] = sq
	}
	return sq
}

// evictIfOverCapacity drops the worst-priority pending transaction
// repeatedly until the pool is back within its configured bounds
// (spec §4.5 step 4, and §5 "Backpressure": "drops the worst-priority
// pending transaction on full").
func (p *Pool) evictIfOverCapacity() {
	var discarded []cryptoutil.Hash
	for len(p.byHash) > p.cfg.MaxCount || p.totalBytes > p.cfg.MaxBytes {
		worst := p.worstLocked()
		if worst == nil {
			break
		}
		p.removeLocked(worst, EventRemoved)
		discarded = append(discarded, worst.hash)
	}
	if len(discarded) > 0 {
		p.hub.publish(Event{Kind: EventFull, Discarded: discarded})
	}
}

// worstLocked scans every tracked transaction for the lowest-priority
// one under the current head's base fee. The pool is not expected to
// sit at its capacity ceiling often enough for this linear scan to
// matter; BestIterator's heap is the hot path, this is the cold one.
func (p *Pool) worstLocked() *pendingTx {
	baseFee := p.baseFee()
	var worst *pendingTx
	var worstPrio priority
	for _, pt := range p.byHash {
		prio := pt.priority(baseFee)
		if worst == nil || prio.less(worstPrio) {
			worst, worstPrio = pt, prio
		}
	}
	return worst
}

// removeLocked deletes pt from every index and publishes kind for its
// hash; callers hold mu.
func (p *Pool) removeLocked(pt *pendingTx, kind EventKind) {
	delete(p.byHash, pt.hash)
	p.totalBytes -= pt.size
	if sq, ok := p.bySender[pt.sender]; ok {
		delete(sq.txs, pt.tx.Nonce)
		if len(sq.txs) == 0 {
			delete(p.bySender, pt.sender)
		}
	}
	p.seen.Add(pt.hash, struct{}{})
	p.hub.publish(Event{Kind: kind, Hash: pt.hash})
}

// ExpireQueued drops queued (nonce-gapped) transactions that have
// waited longer than QueuedTTL, per spec §4.5 "dropped after a bounded
// wait if the gap is not closed". Callers run this periodically (e.g.
// from the node's maintenance loop).
func (p *Pool) ExpireQueued(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sq := range p.bySender {
		for nonce, pt := range sq.queuedTxs() {
			if now.Sub(pt.addedAt) > p.cfg.QueuedTTL {
				p.removeLocked(pt, EventRemoved)
				delete(sq.txs, nonce)
			}
		}
	}
}

// OnCanonicalBlock implements spec §4.5's canonical-chain hook: drop
// every transaction the new block included, move the pool's head, and
// re-evaluate each remaining sender's ready/queued split against its
// refreshed on-chain nonce. Called by internal/engineapi once a block
// becomes canonical (forward import or the replay half of a reorg).
func (p *Pool) OnCanonicalBlock(ctx context.Context, head *chain.Header, minedHashes []cryptoutil.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, hash := range minedHashes {
		pt, ok := p.byHash[hash]
		if !ok {
			continue
		}
		delete(p.byHash, hash)
		p.totalBytes -= pt.size
		if sq, ok := p.bySender[pt.sender]; ok {
			delete(sq.txs, pt.tx.Nonce)
			if len(sq.txs) == 0 {
				delete(p.bySender, pt.sender)
			}
		}
		p.seen.Add(hash, struct{}{})
		p.hub.publish(Event{Kind: EventMined, Hash: hash, BlockNum: head.Number})
	}

	p.head = head
	return p.refreshAllReadyLocked(ctx)
}

// OnReorg implements the abandoned-branch half of spec §4.5's
// canonical-chain hook and scenario S3: every transaction that was
// only in the discarded branch (not re-included in the new one) is
// re-admitted, subject to the same validation AddTx always applies.
// Transactions that fail re-validation (e.g. nonce already consumed by
// the new branch) are silently dropped, matching AddTx's ordinary
// rejection behavior for a stale resubmit.
func (p *Pool) OnReorg(ctx context.Context, head *chain.Header, abandoned []*txtypes.Transaction) {
	p.mu.Lock()
	p.head = head
	p.mu.Unlock()

	for _, tx := range abandoned {
		// a transaction mined on the abandoned branch sits in the seen
		// cache; forget it so AddTx re-validates it instead of
		// rejecting it as already known.
		p.seen.Remove(tx.Hash())
		_ = p.AddTx(ctx, tx, External)
	}
}

// refreshAllReadyLocked recomputes every sender's ready set against
// its current on-chain nonce; callers hold mu.
func (p *Pool) refreshAllReadyLocked(ctx context.Context) error {
	reader, err := p.states.LatestState(ctx)
	if err != nil {
		return fmt.Errorf("txpool: refresh ready: %w", err)
	}
	for sender, sq := range p.bySender {
		acct, err := reader.Account(sender)
		var nonce uint64
		if err == nil && acct != nil {
			nonce = acct.Nonce
		}
		// Transactions at a nonce the chain has already consumed can
		// never execute; drop them rather than leave them stranded in
		// "queued" forever (spec §4.5 "drops transactions invalidated
		// by the new state").
		for n, pt := range sq.txs {
			if n < nonce {
				delete(sq.txs, n)
				delete(p.byHash, pt.hash)
				p.totalBytes -= pt.size
				p.seen.Add(pt.hash, struct{}{})
				p.hub.publish(Event{Kind: EventRemoved, Hash: pt.hash})
			}
		}
		if len(sq.txs) == 0 {
			delete(p.bySender, sender)
			continue
		}
		sq.refreshReady(nonce)
	}
	return nil
}
