package main

import (
	"context"
	"fmt"
	"os"

	"github.com/compose-network/proxy-validator/x/probe"
	"github.com/compose-network/proxy-validator/x/proxy"
)

// check probes every candidate in inputPath and appends verdicts to
// outputPath. Writes go straight to the file so each finished verdict
// survives the process being killed.
func check(ctx context.Context, cfg probe.Config, inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	candidates, err := proxy.ReadInput(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	p, err := probe.New(cfg)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	runErr := p.Run(ctx, candidates, probe.NewJSONLines(out))
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close output: %w", err)
	}
	return runErr
}
