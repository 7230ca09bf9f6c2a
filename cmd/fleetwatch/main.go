package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetwatch/internal/config"
	"github.com/cuemby/fleetwatch/internal/kvsink"
	"github.com/cuemby/fleetwatch/internal/loadmetrics"
	"github.com/cuemby/fleetwatch/internal/log"
	"github.com/cuemby/fleetwatch/internal/metrics"
	"github.com/cuemby/fleetwatch/internal/provider"
	"github.com/cuemby/fleetwatch/internal/provider/fake"
	"github.com/cuemby/fleetwatch/internal/types"
	"github.com/cuemby/fleetwatch/pkg/reconciler"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "fleetwatch",
	Short: "fleetwatch - autoscaling control loop for a managed worker fleet",
	Long: `fleetwatch drives a single-tick reconciler that terminates idle or
outdated nodes, launches new ones to satisfy node-type floors and resource
demand, and dispatches per-node updaters, against a pluggable node provider.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetwatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(requestResourcesCmd)
	rootCmd.AddCommand(killWorkersCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// newProvider constructs the node provider backing a command. Concrete
// cloud drivers are out of fleetwatch's core scope; the fake
// in-memory provider is the only one wired here, matching local dry runs.
func newProvider(kind string) (provider.NodeProvider, error) {
	switch kind {
	case "fake", "":
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q (only \"fake\" is wired; real cloud drivers are a separate concern)", kind)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the autoscaler's reconciler tick loop in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		providerKind, _ := cmd.Flags().GetString("provider")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}

		cfg, err := config.New(configPath, nil)
		if err != nil {
			return fmt.Errorf("loading cluster config: %w", err)
		}
		defer cfg.Close()

		prov, err := newProvider(providerKind)
		if err != nil {
			return err
		}

		sink, err := kvsink.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening debug kv sink: %w", err)
		}
		defer sink.Close()

		load := loadmetrics.New("127.0.0.1")
		recon := reconciler.New(cfg, prov, load, sink, nil)
		defer recon.Stop()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		fmt.Printf("fleetwatch metrics listening on http://%s/metrics\n", metricsAddr)

		interval := time.Duration(cfg.Config().UpdateIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Duration(config.DefaultUpdateIntervalSeconds) * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		fmt.Println("fleetwatch is running. Press Ctrl+C to stop.")
		for {
			select {
			case <-ticker.C:
				if err := recon.Update(context.Background()); err != nil {
					fmt.Fprintf(os.Stderr, "fatal tick error: %v\n", err)
					return err
				}
			case <-sigCh:
				fmt.Println("\nShutting down...")
				return nil
			}
		}
	},
}

var requestResourcesCmd = &cobra.Command{
	Use:   "request-resources",
	Short: "Compose a resource demand bundle and print it",
	Long: `request-resources composes a single resource bundle from --cpu/--gpu
and prints it. Since fleetwatch has no standing RPC server, it does not
install the bundle anywhere: a demand vector takes effect only when a
process embedding fleetwatch passes it to Reconciler.RequestResources, which
protects enough existing nodes (and launches new ones) to cover it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cpu, _ := cmd.Flags().GetFloat64("cpu")
		gpu, _ := cmd.Flags().GetFloat64("gpu")

		bundle := types.ResourceBundle{}
		if cpu > 0 {
			bundle["CPU"] = cpu
		}
		if gpu > 0 {
			bundle["GPU"] = gpu
		}
		if len(bundle) == 0 {
			return fmt.Errorf("specify at least one of --cpu, --gpu")
		}

		fmt.Printf("Requested resource bundle: %v\n", map[string]float64(bundle))
		fmt.Println("Note: apply this programmatically via Reconciler.RequestResources in the process embedding fleetwatch.")
		return nil
	},
}

var killWorkersCmd = &cobra.Command{
	Use:   "kill-workers",
	Short: "Terminate every managed worker immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerKind, _ := cmd.Flags().GetString("provider")
		prov, err := newProvider(providerKind)
		if err != nil {
			return err
		}

		cfg, err := minimalConfig(cmd)
		if err != nil {
			return err
		}
		defer cfg.Close()

		load := loadmetrics.New("127.0.0.1")
		recon := reconciler.New(cfg, prov, load, nil, nil)
		defer recon.Stop()

		recon.KillWorkers(context.Background())
		fmt.Println("kill-workers dispatched")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the most recently published cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		sink, err := kvsink.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening debug kv sink: %w", err)
		}
		defer sink.Close()

		text, err := sink.Status()
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		if text == "" {
			fmt.Println("no status published yet")
			return nil
		}
		fmt.Print(text)

		errText, err := sink.Error()
		if err == nil && errText != "" {
			fmt.Printf("Last error: %s\n", errText)
		}
		return nil
	},
}

// minimalConfig loads the cluster config for one-off commands that need a
// Reconciler but not a running tick loop.
func minimalConfig(cmd *cobra.Command) (*config.Refresher, error) {
	configPath, _ := cmd.Flags().GetString("config")
	return config.New(configPath, nil)
}

func init() {
	runCmd.Flags().String("config", "./cluster.yaml", "Cluster config YAML path")
	runCmd.Flags().String("data-dir", "./fleetwatch-data", "Directory for the debug KV sink")
	runCmd.Flags().String("provider", "fake", "Node provider backend")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")

	requestResourcesCmd.Flags().Float64("cpu", 0, "CPU units to request")
	requestResourcesCmd.Flags().Float64("gpu", 0, "GPU units to request")

	killWorkersCmd.Flags().String("config", "./cluster.yaml", "Cluster config YAML path")
	killWorkersCmd.Flags().String("provider", "fake", "Node provider backend")

	statusCmd.Flags().String("data-dir", "./fleetwatch-data", "Directory for the debug KV sink")
}
