package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/draftforge/draftforge/gateway"
	"github.com/draftforge/draftforge/retrieval"
	"github.com/draftforge/draftforge/sched"
	"github.com/draftforge/draftforge/server"
	"github.com/draftforge/draftforge/store"
)

var (
	// CLI flags for the API server
	addr         string // HTTP listen address
	logLevel     string // Log verbosity level
	topologyPath string // Instance topology YAML (empty = built-in defaults)
	snippetsPath string // SQLite snippet database path
	embedModel   string // Embedding model name

	// CLI flags for the cache / result store backend
	storeBackend  string // "memory" or "redis"
	redisAddr     string // Redis address for the redis backend
	redisPassword string // Redis password
	redisDB       int    // Redis database number
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "draftforge",
	Short: "Document generation scheduling and retrieval backend",
}

// serveCmd builds the full stack and runs the HTTP API until
// interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation API server",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		topo, defaultEndpoint, err := LoadTopology(topologyPath)
		if err != nil {
			logrus.Fatalf("Failed to load topology: %v", err)
		}

		kv, err := openStore()
		if err != nil {
			logrus.Fatalf("Failed to open store backend: %v", err)
		}

		snippets, err := retrieval.OpenSnippetStore(snippetsPath)
		if err != nil {
			logrus.Fatalf("Failed to open snippet store: %v", err)
		}
		defer snippets.Close()

		gw := gateway.NewClient(defaultEndpoint)
		engine := retrieval.NewEngine(snippets, gw, embedModel)

		scheduler := sched.NewScheduler(sched.Config{
			Topology:        topo,
			DefaultEndpoint: defaultEndpoint,
		}, kv, kv, gw)
		scheduler.Start()
		defer scheduler.Stop()

		api := server.NewServer(scheduler, engine, gw)
		httpServer := &http.Server{Addr: addr, Handler: api.Handler()}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			logrus.Infof("listening on %s", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Fatalf("HTTP server failed: %v", err)
			}
		}()

		<-ctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("HTTP shutdown: %v", err)
		}
	},
}

// openStore picks the cache/result store backend from flags.
func openStore() (store.KV, error) {
	switch storeBackend {
	case "redis":
		return store.NewRedis(redisAddr, redisPassword, redisDB), nil
	case "memory", "":
		return store.NewMemory(), nil
	default:
		return nil, errors.New("unknown store backend: " + storeBackend)
	}
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&topologyPath, "topology", "", "Instance topology YAML file (default: built-in three-instance topology)")
	serveCmd.Flags().StringVar(&snippetsPath, "snippets-db", "snippets.db", "SQLite snippet database path")
	serveCmd.Flags().StringVar(&embedModel, "embed-model", gateway.DefaultEmbedModel, "Embedding model name")
	serveCmd.Flags().StringVar(&storeBackend, "store", "memory", "Cache/result store backend: memory or redis")
	serveCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	serveCmd.Flags().StringVar(&redisPassword, "redis-password", "", "Redis password")
	serveCmd.Flags().IntVar(&redisDB, "redis-db", 0, "Redis database number")

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
