package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/orchestrator"
	"github.com/compose-network/proxy-validator/x/proxy"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a candidate list to a running validator-app and wait for the report",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringP("file", "f", "", "candidates file (.txt/.list: one proxy per line, otherwise YAML)")
	f.String("server", "http://127.0.0.1:8081", "validator-app API base URL")
	f.Int("chunk-size", 0, "candidates per chunk (server default when 0)")
	f.Int("concurrency", 0, "chunks validated at once (server default when 0)")
	f.Bool("wait", true, "wait for the job to finish")
	f.Duration("timeout", time.Hour, "give up waiting after this long")
	_ = submitCmd.MarkFlagRequired("file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	candidates, err := loadCandidates(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := newJobClient(server)
	jobID, err := c.submit(ctx, candidates, chunkSize, concurrency)
	if err != nil {
		return err
	}
	if !wait {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), jobID)
		return err
	}

	status, err := c.wait(ctx, jobID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.State != job.StateComplete {
		return fmt.Errorf("job %s ended %s: %s", jobID, status.State, status.Reason)
	}
	return nil
}

// candidateFile is the mapping form of a YAML candidates file.
type candidateFile struct {
	Candidates []yaml.Node `yaml:"candidates"`
}

// loadCandidates reads a plain proxy list or a YAML document. YAML entries are
// either proxy URLs or address/protocol mappings; the protocol defaults to http.
func loadCandidates(path string) ([]proxy.Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidates: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".list":
		return proxy.ReadInput(f)
	}

	var doc yaml.Node
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var entries []yaml.Node
	if err := doc.Decode(&entries); err != nil {
		var wrapped candidateFile
		if werr := doc.Decode(&wrapped); werr != nil {
			return nil, fmt.Errorf("%s: expected a list of candidates: %w", path, err)
		}
		entries = wrapped.Candidates
	}

	out := make([]proxy.Candidate, 0, len(entries))
	for i := range entries {
		c, err := decodeCandidate(&entries[i])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, entries[i].Line, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCandidate(n *yaml.Node) (proxy.Candidate, error) {
	if n.Kind == yaml.ScalarNode {
		return proxy.Parse(n.Value)
	}
	var c proxy.Candidate
	if err := n.Decode(&c); err != nil {
		return proxy.Candidate{}, err
	}
	if c.Protocol == "" {
		c.Protocol = proxy.ProtocolHTTP
	}
	c.Protocol = proxy.Protocol(strings.ToLower(string(c.Protocol)))
	if err := c.Validate(); err != nil {
		return proxy.Candidate{}, err
	}
	return c, nil
}

// jobClient talks to the job API of a running validator-app.
type jobClient struct {
	base string
	http *http.Client
	// pollWait is the long-poll window of each status request. It stays under
	// the server write timeout.
	pollWait time.Duration
}

func newJobClient(base string) *jobClient {
	return &jobClient{
		base:     strings.TrimRight(base, "/"),
		http:     &http.Client{},
		pollWait: 10 * time.Second,
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *jobClient) submit(ctx context.Context, candidates []proxy.Candidate, chunkSize, concurrency int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"candidates":  candidates,
		"chunk_size":  chunkSize,
		"concurrency": concurrency,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(req, http.StatusAccepted, &resp); err != nil {
		return "", fmt.Errorf("submit failed: %w", err)
	}
	return resp.JobID, nil
}

// wait long-polls the job status until it is terminal or ctx ends.
func (c *jobClient) wait(ctx context.Context, jobID string) (orchestrator.JobStatus, error) {
	u := c.base + "/v1/jobs/" + url.PathEscape(jobID) + "?wait=" + c.pollWait.String()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return orchestrator.JobStatus{}, err
		}
		var status orchestrator.JobStatus
		if err := c.do(req, http.StatusOK, &status); err != nil {
			return orchestrator.JobStatus{}, fmt.Errorf("status of %s: %w", jobID, err)
		}
		if status.Terminal() {
			return status, nil
		}
		if err := ctx.Err(); err != nil {
			return status, err
		}
	}
}

func (c *jobClient) do(req *http.Request, want int, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Code != "" {
			return fmt.Errorf("%s (%d): %s", e.Error.Code, resp.StatusCode, e.Error.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
