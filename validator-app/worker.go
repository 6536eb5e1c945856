package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/compose-network/proxy-validator/log"
	chunkworker "github.com/compose-network/proxy-validator/x/chunk-worker"
	progresstracker "github.com/compose-network/proxy-validator/x/progress-tracker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Validate one chunk (started by the process executor)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.String("chunk-file", "", "chunk to validate")
	f.String("result-file", "", "where the chunk result is written")
	f.String("pgid-dir", "", "directory recording validator process groups")
	_ = workerCmd.MarkFlagRequired("chunk-file")
	_ = workerCmd.MarkFlagRequired("result-file")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	chunkFile, _ := cmd.Flags().GetString("chunk-file")
	resultFile, _ := cmd.Flags().GetString("result-file")
	pgidDir, _ := cmd.Flags().GetString("pgid-dir")

	logger := log.New(cfg.Log.Level, cfg.Log.Pretty).WithComponent("worker")

	chunk, err := chunkworker.ReadChunkFile(chunkFile)
	if err != nil {
		return fmt.Errorf("failed to read chunk: %w", err)
	}

	tracker, err := progresstracker.New(cfg.Tracker, logger)
	if err != nil {
		return fmt.Errorf("failed to create progress tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close progress tracker")
		}
	}()

	w, err := chunkworker.New(workerConfig(cfg, logger, pgidDir), tracker)
	if err != nil {
		return fmt.Errorf("failed to create chunk worker: %w", err)
	}

	// The parent stops a worker with SIGTERM; Process then tears its validators down.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	result := w.Process(ctx, chunk)
	if err := chunkworker.WriteResultFile(resultFile, result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	logger.Info().
		Str("job_id", chunk.JobID).
		Int("chunk_id", chunk.ChunkID).
		Str("status", string(result.Status)).
		Int("usable", result.UsableCount()).
		Int("attempts", result.Attempts).
		Msg("Chunk finished")
	return nil
}
