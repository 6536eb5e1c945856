package chunkworker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// WriteChunkFile stores the chunk handed to a worker process.
func WriteChunkFile(path string, chunk proxy.Chunk) error {
	return writeJSONAtomic(path, chunk)
}

// ReadChunkFile loads a chunk written by WriteChunkFile.
func ReadChunkFile(path string) (proxy.Chunk, error) {
	var c proxy.Chunk
	if err := readJSONFile(path, &c); err != nil {
		return proxy.Chunk{}, fmt.Errorf("read chunk file: %w", err)
	}
	return c, nil
}

// WriteResultFile atomically stores a chunk result. Readers never observe a
// half written file.
func WriteResultFile(path string, r proxy.ChunkResult) error {
	return writeJSONAtomic(path, r)
}

// ReadResultFile loads a result written by WriteResultFile.
func ReadResultFile(path string) (proxy.ChunkResult, error) {
	var r proxy.ChunkResult
	if err := readJSONFile(path, &r); err != nil {
		return proxy.ChunkResult{}, fmt.Errorf("read result file: %w", err)
	}
	return r, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
