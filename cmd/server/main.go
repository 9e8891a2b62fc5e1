package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/node"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	selfID   string
	addr     string
	httpAddr string
	group    string
	seeds    []string
	etcd     []string
	capacity int
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "zephyrgroup",
	Short: "Replicated key/value store on a virtually synchronous group",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a group member",
	Long: `Start a group member serving the key/value API over HTTP.

Examples:
  # First member
  zephyrgroup start --id=n1 --addr=10.0.0.1:7946

  # Join through a seed
  zephyrgroup start --id=n2 --addr=10.0.0.2:7946 --seeds=10.0.0.1:7946

  # Find the others through etcd
  zephyrgroup start --addr=10.0.0.3:7946 --etcd=http://etcd:2379`,
	RunE: runStart,
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&selfID, "id", envOr("ZG_SELF_ID", ""), "Member identifier (random when empty)")
	startCmd.Flags().StringVar(&addr, "addr", envOr("ZG_ADDR", "127.0.0.1:7946"), "Group transport address")
	startCmd.Flags().StringVar(&httpAddr, "http", envOr("ZG_HTTP", ":8080"), "HTTP listen address")
	startCmd.Flags().StringVar(&group, "group", envOr("ZG_GROUP", "default"), "Group name")
	startCmd.Flags().StringSliceVar(&seeds, "seeds", envList("ZG_SEEDS"), "Seed transport addresses (comma-separated)")
	startCmd.Flags().StringSliceVar(&etcd, "etcd", envList("ZG_ETCD"), "etcd endpoints for discovery (comma-separated)")
	startCmd.Flags().IntVar(&capacity, "capacity", 64<<20, "Store capacity in bytes")
	startCmd.Flags().BoolVar(&debug, "debug", false, "Development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStart(cmd *cobra.Command, _ []string) (err error) {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if selfID == "" {
		selfID = uuid.NewString()
	}
	telemetry.SetBuildInfo(version, gitSHA)

	tr, err := transport.NewGRPC(addr, logger)
	if err != nil {
		return err
	}
	mux := transport.NewMux(tr, logger)
	defer func() { err = multierr.Append(err, mux.Close()) }()

	cfg := node.DefaultConfig(group, membership.Endpoint(selfID), tr.Addr())
	cfg.HTTPAddr = httpAddr
	cfg.CapacityBytes = capacity
	cfg.Etcd = etcd
	cfg.Stack.Seeds = seeds

	n, err := node.New(cfg, mux.Group(group), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()

	if len(cfg.Etcd) > 0 {
		var closeDiscovery func() error
		if closeDiscovery, err = startDiscovery(ctx, cfg, n, logger); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, closeDiscovery()) }()
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: routes(n)}
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.ListenAndServe() }()
	logger.Info("member started",
		zap.String("id", selfID),
		zap.String("group", group),
		zap.String("addr", tr.Addr()),
		zap.String("http", cfg.HTTPAddr),
	)

	select {
	case <-ctx.Done():
	case err := <-srvDone:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	case <-runDone:
		logger.Warn("group stack stopped")
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if lerr := n.Leave(shutdownCtx); lerr != nil {
		logger.Warn("leaving the group", zap.Error(lerr))
	}
	return srv.Shutdown(shutdownCtx)
}

// startDiscovery registers this member in etcd and feeds the transport
// addresses of the other registered members to the merge discovery.
func startDiscovery(ctx context.Context, cfg node.Config, n *node.Node, logger *zap.Logger) (func() error, error) {
	cli, err := discovery.NewClient(cfg.Etcd)
	if err != nil {
		return nil, err
	}
	self := cfg.Stack.Addr
	leaseID, cancelKeepAlive, err := discovery.RegisterNode(ctx, cli, group, selfID, self, cfg.LeaseTTL, logger)
	if err != nil {
		cli.Close()
		return nil, err
	}

	known := make(map[string]bool)
	err = discovery.WatchPeers(ctx, cli, group, logger, func(peers map[string]string) {
		next := make(map[string]bool, len(peers))
		for id, a := range peers {
			hp := discovery.NormalizeAddr(a, "7946")
			if hp == self {
				continue
			}
			next[hp] = true
			if !known[hp] {
				logger.Info("peer discovered", zap.String("id", id), zap.String("addr", hp))
				n.AddPeer(hp)
			}
		}
		for hp := range known {
			if !next[hp] {
				logger.Info("peer deregistered", zap.String("addr", hp))
				n.RemovePeer(hp)
			}
		}
		known = next
	})
	if err != nil {
		cancelKeepAlive()
		cli.Close()
		return nil, err
	}

	return func() error {
		cancelKeepAlive()
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, rerr := cli.Revoke(rctx, leaseID)
		return multierr.Append(rerr, cli.Close())
	}, nil
}

func routes(n *node.Node) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/view", telemetry.Instrument("view", http.HandlerFunc(n.Membership)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
	return mux
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
