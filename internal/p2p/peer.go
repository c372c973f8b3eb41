// Package p2p implements the consumed half of spec §6's "peer-to-peer
// request surface": the execution client never implements the wire
// protocol itself (out of scope, §1), only the request/response
// contract a sync stage drives against a pool of peers, plus the
// misbehavior handling spec §6 requires ("a peer delivering invalid
// data is penalized and optionally banned").
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/eryx-labs/execution/internal/chain"
)

var (
	ErrNoPeers        = errors.New("p2p: no eligible peers")
	ErrPeerBanned     = errors.New("p2p: peer is banned")
	ErrInvalidResponse = errors.New("p2p: response failed validation against the request")
)

// Peer is one remote endpoint this node may request header/body/
// receipt ranges from. Endpoint is deliberately opaque (an address,
// not a wire-protocol handle) since the actual transport/encoding is
// the out-of-scope collaborator; this package only needs enough to
// issue and retry a request.
type Peer struct {
	ID       string
	Endpoint string
}

// score tracks one peer's standing: every validated response nudges
// it up, every misbehavior nudges it down, and a peer whose score
// drops below banThreshold is excluded from future selection (spec §6
// "penalized and optionally banned"; the exact curve is an
// operator-tunable default per spec §9 Open Questions, not a behavior
// this package hard-codes beyond the default below).
type score struct {
	value   int
	bannedAt *time.Time
}

const (
	scoreInitial      = 0
	scorePenalty      = -10
	scoreReward       = 1
	banThreshold      = -50
	banDuration       = 30 * time.Minute
)

// Pool manages a set of peers, rate-limiting and scoring each
// independently (spec §5 "Backpressure": "peer request queues apply
// per-peer rate limits").
type Pool struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	scores  map[string]*score
	limiter map[string]*rate.Limiter

	client      *retryablehttp.Client
	perPeerRPS  rate.Limit
	burst       int
}

// NewPool constructs a peer pool. perPeerRPS/burst bound the request
// rate this node issues to any single peer; retries/backoff on
// transient failures are handled by the wrapped retryablehttp.Client,
// matching SPEC_FULL's "peer-request retry" domain-stack entry.
func NewPool(perPeerRPS float64, burst int) *Pool {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 4
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second

	return &Pool{
		peers:      make(map[string]*Peer),
		scores:     make(map[string]*score),
		limiter:    make(map[string]*rate.Limiter),
		client:     rc,
		perPeerRPS: rate.Limit(perPeerRPS),
		burst:      burst,
	}
}

// PeerCount reports how many peers are currently registered,
// regardless of ban state; used by the node's health/metrics reporter
// to surface peer connectivity.
func (p *Pool) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// AddPeer registers or refreshes a known peer.
func (p *Pool) AddPeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.ID] = &peer
	if _, ok := p.scores[peer.ID]; !ok {
		p.scores[peer.ID] = &score{value: scoreInitial}
	}
	if _, ok := p.limiter[peer.ID]; !ok {
		p.limiter[peer.ID] = rate.NewLimiter(p.perPeerRPS, p.burst)
	}
}

// RemovePeer drops a peer entirely (e.g. the p2p layer reports it
// disconnected).
func (p *Pool) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
	delete(p.scores, id)
	delete(p.limiter, id)
}

// Penalize lowers a peer's score for delivering invalid data; a score
// that crosses banThreshold bans the peer for banDuration (spec §6).
func (p *Pool) Penalize(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scores[id]
	if !ok {
		return
	}
	s.value += scorePenalty
	if s.value <= banThreshold && s.bannedAt == nil {
		now := time.Now()
		s.bannedAt = &now
	}
}

// Reward raises a peer's score for a validated response.
func (p *Pool) Reward(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.scores[id]; ok {
		s.value += scoreReward
	}
}

// eligibleLocked reports whether id may currently be selected: known, and
// either never banned or past its ban window (a lapsed ban resets the
// score rather than leaving it permanently excluded).
func (p *Pool) eligibleLocked(id string) bool {
	s, ok := p.scores[id]
	if !ok {
		return false
	}
	if s.bannedAt == nil {
		return true
	}
	if time.Since(*s.bannedAt) > banDuration {
		s.bannedAt = nil
		s.value = scoreInitial
		return true
	}
	return false
}

// selectPeer returns the highest-scoring eligible peer.
func (p *Pool) selectPeer() (*Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Peer
	bestScore := banThreshold - 1
	for id, peer := range p.peers {
		if !p.eligibleLocked(id) {
			continue
		}
		if p.scores[id].value > bestScore || best == nil {
			best, bestScore = peer, p.scores[id].value
		}
	}
	if best == nil {
		return nil, ErrNoPeers
	}
	return best, nil
}

// wait blocks until id's rate limiter admits one more request, or ctx
// is done.
func (p *Pool) wait(ctx context.Context, id string) error {
	p.mu.Lock()
	l := p.limiter[id]
	p.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// request issues a GET against peer.Endpoint+path, decoding a JSON
// response into out. This is a standalone-request shape chosen to
// keep the package runnable and testable without a real p2p stack
// wired in; the wire protocol itself remains out of scope per §1.
func (p *Pool) request(ctx context.Context, peer *Peer, path string, out any) error {
	if err := p.wait(ctx, peer.ID); err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, peer.Endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("p2p: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("p2p: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("p2p: peer %s returned status %d", peer.ID, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HeadersByRange implements stagedsync.HeaderSource against the
// current best peer, penalizing it if the request fails, the response
// carries more headers than the inclusive range [from, to] holds, or
// a header does not decode; a shorter or empty reply is accepted
// as-is (§6 "peers may reply partially").
func (p *Pool) HeadersByRange(ctx context.Context, from, to uint64) ([]*chain.Header, error) {
	peer, err := p.selectPeer()
	if err != nil {
		return nil, err
	}
	var wire []headerWire
	path := fmt.Sprintf("/headers?from=%d&to=%d", from, to)
	if err := p.request(ctx, peer, path, &wire); err != nil {
		p.Penalize(peer.ID)
		return nil, err
	}
	if uint64(len(wire)) > to-from+1 {
		p.Penalize(peer.ID)
		return nil, fmt.Errorf("%w: got %d headers for range of %d", ErrInvalidResponse, len(wire), to-from+1)
	}
	headers, err := decodeHeaders(wire)
	if err != nil {
		p.Penalize(peer.ID)
		return nil, err
	}
	p.Reward(peer.ID)
	return headers, nil
}

// BodiesByRange implements stagedsync.BodySource the same way.
func (p *Pool) BodiesByRange(ctx context.Context, headers []*chain.Header) ([]*chain.Body, error) {
	peer, err := p.selectPeer()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, nil
	}
	path := fmt.Sprintf("/bodies?from=%d&to=%d", headers[0].Number, headers[len(headers)-1].Number)
	var wire []bodyWire
	if err := p.request(ctx, peer, path, &wire); err != nil {
		p.Penalize(peer.ID)
		return nil, err
	}
	if len(wire) > len(headers) {
		p.Penalize(peer.ID)
		return nil, fmt.Errorf("%w: got %d bodies for %d headers", ErrInvalidResponse, len(wire), len(headers))
	}
	bodies, err := decodeBodies(wire)
	if err != nil {
		p.Penalize(peer.ID)
		return nil, err
	}
	p.Reward(peer.ID)
	return bodies, nil
}

// ReceiptsByRange serves the receipt half of spec §6's request
// surface, consumed by callers that need to cross-check imported
// receipts against a peer (e.g. fast-sync style verification) rather
// than recomputing every one locally.
func (p *Pool) ReceiptsByRange(ctx context.Context, from, to uint64) ([][]byte, error) {
	peer, err := p.selectPeer()
	if err != nil {
		return nil, err
	}
	var wire [][]byte
	path := fmt.Sprintf("/receipts?from=%d&to=%d", from, to)
	if err := p.request(ctx, peer, path, &wire); err != nil {
		p.Penalize(peer.ID)
		return nil, err
	}
	if uint64(len(wire)) > to-from+1 {
		p.Penalize(peer.ID)
		return nil, fmt.Errorf("%w: got %d receipt sets for range of %d", ErrInvalidResponse, len(wire), to-from+1)
	}
	p.Reward(peer.ID)
	return wire, nil
}
