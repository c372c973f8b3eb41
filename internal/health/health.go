// Package health periodically samples node state (sync height, pool
// occupancy, peer connectivity) into structured application-level logs
// and Prometheus gauges, and serves the gauges over HTTP. It is the
// node's ambient observability surface, separate from the zap logging
// every storage/execution/consensus package uses on its hot paths.
package health

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/stagedsync"
	"github.com/eryx-labs/execution/internal/txpool"
)

// PeerCounter is satisfied by the p2p peer pool; kept as a narrow
// interface so a node started without any configured peers can pass
// nil and still report zero rather than requiring a peer pool to exist.
type PeerCounter interface {
	PeerCount() int
}

// Snapshot is one point-in-time read of the figures Reporter tracks.
type Snapshot struct {
	Height        uint64
	PendingTx     int
	PeerCount     int
	MemAllocBytes uint64
	NumGoroutines int
	Timestamp     int64
}

// Reporter samples a Node's sync/pool/peer state on an interval,
// writes a JSON log line per sample via logrus, and mirrors the same
// figures into a private Prometheus registry served over HTTP.
type Reporter struct {
	db    *kv.DB
	pool  *txpool.Pool
	peers PeerCounter

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry     *prometheus.Registry
	heightGauge  prometheus.Gauge
	pendingGauge prometheus.Gauge
	peerGauge    prometheus.Gauge
	memGauge     prometheus.Gauge
	goroutines   prometheus.Gauge
	sampleErrors prometheus.Counter
}

// New configures a Reporter writing newline-delimited JSON samples to
// logPath (created if absent, appended to if present). peers may be
// nil when the node was started with no configured peers.
func New(db *kv.DB, pool *txpool.Pool, peers PeerCounter, logPath string) (*Reporter, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)

	reg := prometheus.NewRegistry()
	r := &Reporter{db: db, pool: pool, peers: peers, log: lg, file: f, registry: reg}

	r.heightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execd_sync_height",
		Help: "Highest block number the Finish stage has fully processed",
	})
	r.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execd_txpool_pending",
		Help: "Number of transactions in the local mempool",
	})
	r.peerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execd_peer_count",
		Help: "Number of peers registered in the peer pool",
	})
	r.memGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execd_mem_alloc_bytes",
		Help: "Bytes of heap memory allocated, per runtime.MemStats",
	})
	r.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execd_goroutines",
		Help: "Number of running goroutines",
	})
	r.sampleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "execd_health_sample_errors_total",
		Help: "Number of samples that failed to read sync height from the database",
	})
	reg.MustRegister(
		r.heightGauge, r.pendingGauge,
		r.peerGauge, r.memGauge, r.goroutines, r.sampleErrors,
	)
	return r, nil
}

// Close releases the underlying log file.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// Snapshot reads the current figures. Errors reading the stage
// checkpoint are logged and counted rather than propagated, since a
// transient DB read failure shouldn't stop the reporting loop.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.MemAllocBytes = mem.Alloc

	height, err := r.finishedHeight(ctx)
	if err != nil {
		r.mu.Lock()
		r.sampleErrors.Inc()
		r.mu.Unlock()
		r.log.WithError(err).Error("health: read sync height")
	} else {
		s.Height = height
	}

	if r.pool != nil {
		s.PendingTx = r.pool.Len()
	}
	if r.peers != nil {
		s.PeerCount = r.peers.PeerCount()
	}
	return s
}

func (r *Reporter) finishedHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.db.View(ctx, func(tx kv.RoTx) error {
		raw, err := tx.Get(kv.SyncStageProgress, []byte(stagedsync.StageFinish))
		if err != nil {
			return err
		}
		height = decodeHeight(raw)
		return nil
	})
	return height, err
}

func decodeHeight(b []byte) uint64 {
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n
}

// Record takes a snapshot, updates the Prometheus gauges, and writes
// one JSON log line.
func (r *Reporter) Record(ctx context.Context) {
	s := r.Snapshot(ctx)
	r.heightGauge.Set(float64(s.Height))
	r.pendingGauge.Set(float64(s.PendingTx))
	r.peerGauge.Set(float64(s.PeerCount))
	r.memGauge.Set(float64(s.MemAllocBytes))
	r.goroutines.Set(float64(s.NumGoroutines))

	r.mu.Lock()
	r.log.WithFields(logrus.Fields{
		"height":     s.Height,
		"pending_tx": s.PendingTx,
		"peers":      s.PeerCount,
		"mem_alloc":  s.MemAllocBytes,
		"goroutines": s.NumGoroutines,
	}).Info("health sample")
	r.mu.Unlock()
}

// Run records one sample per interval until ctx is canceled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Record(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Serve exposes the Prometheus registry at /metrics on addr, returning
// the *http.Server so the caller can Shutdown it on exit.
func (r *Reporter) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.mu.Lock()
			r.log.WithError(err).Error("health: metrics listener stopped")
			r.mu.Unlock()
		}
	}()
	return srv
}
