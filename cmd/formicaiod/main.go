package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/formicaio/pkg/api"
	"github.com/cuemby/formicaio/pkg/backend"
	"github.com/cuemby/formicaio/pkg/backend/container"
	"github.com/cuemby/formicaio/pkg/backend/native"
	"github.com/cuemby/formicaio/pkg/config"
	"github.com/cuemby/formicaio/pkg/fleet"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/metricsfetch"
	"github.com/cuemby/formicaio/pkg/release"
	"github.com/cuemby/formicaio/pkg/scheduler"
	"github.com/cuemby/formicaio/pkg/statssink"
	"github.com/cuemby/formicaio/pkg/storage"
	"github.com/cuemby/formicaio/pkg/types"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "formicaiod",
	Short: "Formicaio - single-host supervisor for a fleet of storage nodes",
	Long: `Formicaio supervises a fleet of long-running peer-to-peer storage node
processes on one host: it creates, starts, stops, recycles, removes, and
upgrades nodes, continuously observes their health and rewards, and
persists that state in a local embedded store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"formicaiod version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor: scheduler tasks and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		mcp, _ := cmd.Flags().GetBool("mcp")
		mcpAddr, _ := cmd.Flags().GetString("mcp-addr")
		backendKind, _ := cmd.Flags().GetString("backend")
		binName, _ := cmd.Flags().GetString("bin-name")
		catalogURL, _ := cmd.Flags().GetString("release-catalog-url")

		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}

		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}

		fleetState, err := fleet.New(store)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to load fleet state: %w", err)
		}
		defer fleetState.Close()

		be, err := newBackend(backendKind, cfg, binName)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to initialize %s backend: %w", backendKind, err)
		}
		defer be.Close()

		fetcher := metricsfetch.New()
		releasesDir := filepath.Join(cfg.NodeMgrRootDir, "releases")
		pollInterval := time.Duration(types.DefaultSettings().NodeBinVersionPollingFreqSecs) * time.Second
		releases := release.New(catalogURL, releasesDir, binName, pollInterval)

		sched := scheduler.New(fleetState, store, be, fetcher, releases, statssink.NoopSink{}, cfg.NodeMgrRootDir)
		sched.SetAgentUnattended(mcp)

		ops := api.New(fleetState, store, be)
		server := api.NewServer(ops)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched.Start(ctx)
		fmt.Println("formicaiod: scheduler started")

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP API server error: %w", err)
			}
		}()
		fmt.Printf("formicaiod: HTTP API listening on %s\n", addr)
		if mcp {
			fmt.Printf("formicaiod: agent cycle enabled for unattended MCP use (advertised at %s)\n", mcpAddr)
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nformicaiod: shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		sched.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}

		fmt.Println("formicaiod: shutdown complete")
		return nil
	},
}

// newBackend constructs the single process-wide Node Backend instance:
// exactly one backend instance exists per fleet.
func newBackend(kind string, cfg config.Config, binName string) (backend.Backend, error) {
	switch kind {
	case "", "native":
		releasesDir := filepath.Join(cfg.NodeMgrRootDir, "releases")
		return native.New(cfg.NodeMgrRootDir, releasesDir, binName), nil
	case "container":
		return container.New(cfg.DockerSocketPath, cfg.ContainerImageName, cfg.ContainerImageTag, cfg.NodeMgrRootDir)
	default:
		return nil, fmt.Errorf("unknown backend %q (want native or container)", kind)
	}
}

func init() {
	startCmd.Flags().String("addr", "127.0.0.1:8080", "HTTP API listen address")
	startCmd.Flags().Bool("mcp", false, "Allow the scheduler's agent-cycle task to run unattended under MCP supervision")
	startCmd.Flags().String("mcp-addr", "127.0.0.1:8090", "Address an MCP façade should reach this supervisor on (advertised only; no façade ships here)")
	startCmd.Flags().String("backend", "native", "Node Backend variant: native or container")
	startCmd.Flags().String("bin-name", "antnode", "Node binary name staged under releases (native backend)")
	startCmd.Flags().String("release-catalog-url", "", "Release catalog URL polled for version checks and auto-upgrade (disabled if empty)")
}
