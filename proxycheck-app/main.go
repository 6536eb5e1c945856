package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/compose-network/proxy-validator/log"
	"github.com/compose-network/proxy-validator/x/probe"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "proxycheck",
	Short: "Probe proxy candidates and write one JSON verdict per line",
	Long: "proxycheck reads candidates (protocol://[user:pass@]host:port, one per line)\n" +
		"from --input and appends a JSON verdict line to --output as soon as each\n" +
		"candidate is decided.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("proxycheck\n")
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)

	defaults := probe.DefaultConfig(zerolog.Nop())
	f := rootCmd.Flags()
	f.String("input", "", "candidate file")
	f.String("output", "", "verdict file (JSON lines)")
	f.String("target", defaults.Target, "host:port each proxy must tunnel to")
	f.Duration("timeout", defaults.Timeout, "per-candidate probe timeout")
	f.Int("concurrency", defaults.Concurrency, "candidates probed at once")
	f.Float64("rate", defaults.Rate, "probe starts per second (0 disables pacing)")
	f.Int("burst", defaults.Burst, "probe start burst")
	f.Bool("strict-tls", false, "verify certificates of https proxies")
	f.String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	f.Bool("log-pretty", false, "enable pretty logging")
	_ = rootCmd.MarkFlagRequired("input")
	_ = rootCmd.MarkFlagRequired("output")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	level, _ := f.GetString("log-level")
	pretty, _ := f.GetBool("log-pretty")
	logger := log.New(level, pretty)

	cfg := probe.DefaultConfig(logger.Logger)
	cfg.Target, _ = f.GetString("target")
	cfg.Timeout, _ = f.GetDuration("timeout")
	cfg.Concurrency, _ = f.GetInt("concurrency")
	cfg.Rate, _ = f.GetFloat64("rate")
	cfg.Burst, _ = f.GetInt("burst")
	strict, _ := f.GetBool("strict-tls")
	cfg.InsecureTLS = !strict

	input, _ := f.GetString("input")
	output, _ := f.GetString("output")
	return check(cmd.Context(), cfg, input, output)
}
