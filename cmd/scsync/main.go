// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command scsync synchronizes a directory tree with a peer over the
// content-addressed UDP protocol implemented by this module. Flag
// parsing and process wiring live entirely here: the library packages
// never read flags or environment variables directly.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luxfi/log"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/engine"
	scsynclog "github.com/luxfi/scsync/log"
	"github.com/luxfi/scsync/merkle"
	"github.com/luxfi/scsync/metrics"
	"github.com/luxfi/scsync/peer"
	"github.com/luxfi/scsync/store"
)

var rootCmd = &cobra.Command{
	Use:   "scsync",
	Short: "Content-addressed directory synchronization over UDP",
	Long: `scsync keeps a local directory in sync with a remote peer by
exchanging a Merkle tree of content-addressed, encrypted blocks over a
custom reliable UDP transport. Run with --server to host a directory for
others to pull; omit it to pull a directory from a known --host:--port.`,
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolP("server", "s", false, "host --files for peers to sync from, instead of pulling from --host")
	flags.StringP("host", "h", "localhost", "remote host to sync from (client mode only)")
	flags.IntP("port", "p", 21088, "UDP port to bind (server) or connect to (client)")
	flags.StringP("files", "f", ".", "directory to host (server) or materialize into (client)")
	// pflag shorthands are a single rune, so the two-letter -cc this
	// flag is traditionally given is long-form only here.
	flags.Int("packet-rate", 100, "outbound payload packets per second")
	flags.String("metrics-addr", "", "address to serve Prometheus /metrics on, e.g. :9090 (server mode only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scsync: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetBool("server")
	host, _ := flags.GetString("host")
	port, _ := flags.GetInt("port")
	files, _ := flags.GetString("files")
	packetRate, _ := flags.GetInt("packet-rate")
	metricsAddr, _ := flags.GetString("metrics-addr")

	logger := scsynclog.NewZapLogger("scsync")

	reg := prometheus.NewRegistry()
	rttObserver, err := metrics.NewAverager("scsync_rtt_seconds", "peer round-trip time", reg)
	if err != nil {
		return err
	}
	iptObserver, err := metrics.NewAverager("scsync_ipt_seconds", "inter-packet arrival time", reg)
	if err != nil {
		return err
	}

	var db *store.Db
	var outDir string
	if server {
		db, err = merkle.BuildFromDirectory(files)
		if err != nil {
			return err
		}
	} else {
		db = store.New(block.BlockRef{})
		outDir = files
	}

	fe, err := merkle.NewFrontend(db)
	if err != nil {
		return err
	}

	persistBase := ""
	if !server {
		persistBase = filepath.Join(files, ".scsync")
	}
	router := peer.NewRouter(db, fe, outDir, persistBase, rttObserver, iptObserver)

	// In server mode we bind the well-known --port peers connect to; in
	// client mode --port names the remote's port, so our own socket binds
	// an OS-assigned ephemeral port instead.
	laddr := &net.UDPAddr{IP: net.IPv4zero}
	if server {
		laddr.Port = port
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	eng := engine.New(conn, router, engine.Config{Logger: logger, PacketRate: uint32(packetRate)})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if server {
		logger.Info("hosting directory", log.String("dir", files), log.Int("port", port))
		if metricsAddr != "" {
			serveMetrics(ctx, logger, metricsAddr, reg)
		}
		go advertiseToNewPeers(ctx, eng, router)
	} else {
		remote := fmt.Sprintf("%s:%d", host, port)
		logger.Info("syncing from peer", log.String("peer", remote), log.String("into", files))
		if err := eng.Advertise(remote); err != nil {
			return err
		}
	}

	return eng.Run(ctx)
}

// advertiseToNewPeers announces our root to a client the moment the
// router has routed its first datagram and learned its address: only
// the root-holding side ever has something for handleRootUpdate's
// mismatch branch to resolve toward, so a freshly connecting client
// never makes progress until we push our root to it first.
func advertiseToNewPeers(ctx context.Context, eng *engine.Engine, router *peer.Router) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range router.Peers.Addrs() {
				if seen[addr] {
					continue
				}
				seen[addr] = true
				eng.RequestAdvertise(addr)
			}
		}
	}
}

func serveMetrics(ctx context.Context, logger log.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", log.String("err", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}
