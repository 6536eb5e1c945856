package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apisrv "github.com/compose-network/proxy-validator/server/api"
	"github.com/compose-network/proxy-validator/x/proxy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCandidates_PlainList(t *testing.T) {
	path := writeFile(t, "proxies.txt", "# pool\n1.2.3.4:8080\n\nsocks5://u:p@5.6.7.8:1080\n")

	got, err := loadCandidates(path)
	require.NoError(t, err)
	assert.Equal(t, []proxy.Candidate{
		{Address: "1.2.3.4:8080", Protocol: proxy.ProtocolHTTP},
		{Address: "5.6.7.8:1080", Protocol: proxy.ProtocolSOCKS5, Username: "u", Password: "p"},
	}, got)
}

func TestLoadCandidates_YAMLList(t *testing.T) {
	path := writeFile(t, "proxies.yaml", `
- 1.2.3.4:8080
- https://9.9.9.9:443
- address: 5.6.7.8:1080
  protocol: SOCKS4
- address: 7.7.7.7:3128
`)

	got, err := loadCandidates(path)
	require.NoError(t, err)
	assert.Equal(t, []proxy.Candidate{
		{Address: "1.2.3.4:8080", Protocol: proxy.ProtocolHTTP},
		{Address: "9.9.9.9:443", Protocol: proxy.ProtocolHTTPS},
		{Address: "5.6.7.8:1080", Protocol: proxy.ProtocolSOCKS4},
		{Address: "7.7.7.7:3128", Protocol: proxy.ProtocolHTTP},
	}, got)
}

func TestLoadCandidates_YAMLMapping(t *testing.T) {
	path := writeFile(t, "job.yml", "candidates:\n  - 1.2.3.4:8080\n  - address: 5.6.7.8:1080\n    protocol: socks5\n    username: alice\n    password: secret\n")

	got, err := loadCandidates(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[1].Username)
	assert.Equal(t, proxy.ProtocolSOCKS5, got[1].Protocol)
}

func TestLoadCandidates_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad protocol", "p.yaml", "- address: 1.2.3.4:21\n  protocol: ftp\n"},
		{"missing port", "p.yaml", "- 1.2.3.4\n"},
		{"not a list", "p.yaml", "just a string\n"},
		{"bad line", "p.txt", "not a proxy at all\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadCandidates(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := loadCandidates(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadCandidates_EmptyYAML(t *testing.T) {
	got, err := loadCandidates(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJobClient_SurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apisrv.WriteError(w, r, http.StatusServiceUnavailable, "stopped", "orchestrator stopped", nil)
	}))
	defer srv.Close()

	_, err := newJobClient(srv.URL+"/").submit(context.Background(), nil, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped (503)")
	assert.Contains(t, err.Error(), "orchestrator stopped")
}
