package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/compose-network/proxy-validator/log"
	"github.com/compose-network/proxy-validator/validator-app/config"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "validator-app",
		Short: "Proxy validation orchestrator",
		Long: "Validates large proxy batches by splitting them into chunks, running an\n" +
			"external validator per chunk, and detecting job completion even when\n" +
			"workers die.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the job API (default)",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	initCommands()
	return rootCmd.Execute()
}

func initCommands() {
	rootCmd.AddCommand(serveCmd, workerCmd, submitCmd, versionCmd)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (defaults and env only when empty)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.Bool("log-pretty", false, "enable pretty logging")

	// Validator flags, shared with worker processes
	pf.String("validator", "", "external validator command")
	pf.Duration("validator-timeout", 0, "per-attempt validator timeout")
	pf.Bool("trust-partial-output", false, "keep verdicts flushed by a validator that timed out")
	pf.String("tracker-backend", "", "progress tracker backend (file, redis)")
	pf.String("tracker-root", "", "file tracker directory")
	pf.String("redis-addr", "", "redis tracker address")

	// Serve flags
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		f := cmd.Flags()
		f.String("listen-addr", "", "HTTP API listen address")
		f.Bool("metrics", false, "enable metrics")
		f.String("metrics-addr", "", "metrics listen address")
		f.Duration("time-per-chunk", 0, "expected wall time of one chunk")
		f.Int("chunk-size", 0, "default candidates per chunk")
		f.Int("max-concurrency", 0, "maximum chunks validated at once")
		f.String("executor", "", "chunk executor (process, local)")
		f.Int("min-usable", -1, "usable proxies required for a successful job")
	}
}

// loadConfig reads the config file and applies flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := log.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("go_version", runtime.Version()).
		Msg("Build information")

	log.Info().
		Str("config_file", cfgFile).
		Str("listen_addr", cfg.API.ListenAddr).
		Str("executor", cfg.Dispatch.Executor).
		Str("validator", cfg.Worker.Command).
		Str("tracker", cfg.Tracker.Backend).
		Dur("time_per_chunk", cfg.Waiter.TimePerChunk).
		Bool("metrics_enabled", cfg.Metrics.Enabled).
		Str("log_level", cfg.Log.Level).
		Msg("Configuration loaded")

	application, err := NewApp(cmd.Context(), cfg, cfgFile, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(cmd.Context())
}

func runVersion(*cobra.Command, []string) {
	fmt.Printf("validator-app\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if changed(cmd, "log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if changed(cmd, "log-pretty") {
		cfg.Log.Pretty, _ = cmd.Flags().GetBool("log-pretty")
	}

	if changed(cmd, "validator") {
		cfg.Worker.Command, _ = cmd.Flags().GetString("validator")
	}
	if changed(cmd, "validator-timeout") {
		cfg.Worker.Timeout, _ = cmd.Flags().GetDuration("validator-timeout")
	}
	if changed(cmd, "trust-partial-output") {
		cfg.Worker.TrustPartialOutput, _ = cmd.Flags().GetBool("trust-partial-output")
	}
	if changed(cmd, "tracker-backend") {
		cfg.Tracker.Backend, _ = cmd.Flags().GetString("tracker-backend")
	}
	if changed(cmd, "tracker-root") {
		cfg.Tracker.File.Root, _ = cmd.Flags().GetString("tracker-root")
	}
	if changed(cmd, "redis-addr") {
		cfg.Tracker.Redis.Addr, _ = cmd.Flags().GetString("redis-addr")
	}

	if changed(cmd, "listen-addr") {
		cfg.API.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if changed(cmd, "metrics") {
		cfg.Metrics.Enabled, _ = cmd.Flags().GetBool("metrics")
	}
	if changed(cmd, "metrics-addr") {
		cfg.Metrics.ListenAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if changed(cmd, "time-per-chunk") {
		cfg.Waiter.TimePerChunk, _ = cmd.Flags().GetDuration("time-per-chunk")
	}
	if changed(cmd, "chunk-size") {
		cfg.Dispatch.ChunkSize, _ = cmd.Flags().GetInt("chunk-size")
	}
	if changed(cmd, "max-concurrency") {
		cfg.Dispatch.MaxConcurrency, _ = cmd.Flags().GetInt("max-concurrency")
	}
	if changed(cmd, "executor") {
		cfg.Dispatch.Executor, _ = cmd.Flags().GetString("executor")
	}
	if changed(cmd, "min-usable") {
		cfg.Aggregator.MinUsable, _ = cmd.Flags().GetInt("min-usable")
	}
}

// workerFlags forwards the settings a worker process cannot read from the
// config file alone.
func workerFlags(configPath string, cfg *config.Config) []string {
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return append(args,
		"--log-level", cfg.Log.Level,
		"--validator", cfg.Worker.Command,
		"--validator-timeout", cfg.Worker.Timeout.String(),
		fmt.Sprintf("--trust-partial-output=%t", cfg.Worker.TrustPartialOutput),
		"--tracker-backend", cfg.Tracker.Backend,
		"--tracker-root", cfg.Tracker.File.Root,
		"--redis-addr", cfg.Tracker.Redis.Addr,
	)
}
