package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/engineapi"
	"github.com/eryx-labs/execution/internal/health"
	"github.com/eryx-labs/execution/internal/node"
	"github.com/eryx-labs/execution/internal/p2p"
	"github.com/eryx-labs/execution/internal/stagedsync"
)

// startCmd implements spec §6's "start node (optionally with
// engine-API, RPC, metrics endpoints enabled)". The RPC server and the
// peer-to-peer wire protocol are out-of-scope external collaborators
// (§1); this command wires everything on this side of those
// boundaries (storage, provider, mempool, pipeline, engine-API driver)
// and blocks, ready to be driven by a consensus-layer Engine API
// client, until the context is cancelled.
func startCmd(datadir, chainName *string, log *zap.Logger) *cobra.Command {
	var engineAPIAddr string
	var jwtHex string
	var gasLimit uint64
	var peerEndpoints []string
	var peerRPS float64
	var peerBurst int
	var metricsAddr string
	var metricsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Open(*datadir, gasLimit, 0, log)
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer n.Close()

			var headers stagedsync.HeaderSource = noPeers{}
			var bodies stagedsync.BodySource = noPeers{}
			var peerPool *p2p.Pool
			if len(peerEndpoints) > 0 {
				peerPool = p2p.NewPool(peerRPS, peerBurst)
				for i, endpoint := range peerEndpoints {
					peerPool.AddPeer(p2p.Peer{ID: fmt.Sprintf("peer-%d", i), Endpoint: endpoint})
				}
				headers, bodies = peerPool, peerPool
			}
			pipeline := n.Pipeline(headers, bodies)
			driver := engineapi.NewDriver(n.Cfg, pipeline, n.Tree, n.Pool, log)

			jwtSecret, err := hex.DecodeString(strings.TrimPrefix(jwtHex, "0x"))
			if err != nil || len(jwtSecret) != 32 {
				return fmt.Errorf("--jwt-secret must be a 32-byte hex string")
			}
			srv := engineapi.NewServer(driver, jwtSecret, log)
			httpSrv := &http.Server{Addr: engineAPIAddr, Handler: srv}

			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("engine-api: listener stopped", zap.Error(err))
				}
			}()

			var peerCounter health.PeerCounter
			if peerPool != nil {
				peerCounter = peerPool
			}
			reporter, err := health.New(n.DB, n.Pool, peerCounter, filepath.Join(*datadir, "health.log"))
			if err != nil {
				return fmt.Errorf("start health reporter: %w", err)
			}
			defer reporter.Close()
			metricsSrv := reporter.Serve(metricsAddr)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go reporter.Run(ctx, metricsInterval)

			log.Info("node started",
				zap.String("datadir", *datadir),
				zap.String("chain", *chainName),
				zap.String("engine_api_addr", engineAPIAddr),
				zap.String("metrics_addr", metricsAddr),
			)
			<-cmd.Context().Done()
			_ = metricsSrv.Close()
			return httpSrv.Close()
		},
	}
	cmd.Flags().StringVar(&engineAPIAddr, "engine-api-addr", "127.0.0.1:8551", "engine API listen address")
	cmd.Flags().StringVar(&jwtHex, "jwt-secret", "", "shared secret authenticating the consensus-layer engine-API client")
	cmd.Flags().Uint64Var(&gasLimit, "genesis-gas-limit", 30_000_000, "genesis block gas limit, used only when initializing a fresh datadir")
	cmd.Flags().StringSliceVar(&peerEndpoints, "peer", nil, "peer endpoint to pull headers/bodies from (repeatable); omit to sync from nothing but locally-produced payloads")
	cmd.Flags().Float64Var(&peerRPS, "peer-rps", 10, "per-peer request rate limit")
	cmd.Flags().IntVar(&peerBurst, "peer-burst", 20, "per-peer request burst size")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:6061", "prometheus /metrics listen address")
	cmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 10*time.Second, "health sample interval")
	return cmd
}

// noPeers is the zero-peer HeaderSource/BodySource a freshly started
// node has until a real peer-to-peer transport (out of scope, §1) is
// wired in; every range request returns empty, which RunForward
// treats as "no new data yet" rather than an error.
type noPeers struct{}

func (noPeers) HeadersByRange(ctx context.Context, from, to uint64) ([]*chain.Header, error) {
	return nil, nil
}

func (noPeers) BodiesByRange(ctx context.Context, headers []*chain.Header) ([]*chain.Body, error) {
	return nil, nil
}
