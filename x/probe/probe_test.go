package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/proxy-validator/x/proxy"
)

const testTarget = "target.test:443"

func newProber(t *testing.T, mutate func(*Config)) *Prober {
	t.Helper()
	cfg := DefaultConfig(zerolog.Nop())
	cfg.Target = testTarget
	cfg.Timeout = 2 * time.Second
	cfg.Rate = 0
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func hostPort(t *testing.T, rawURL string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req.URL.Host
}

// connectHandler accepts CONNECT to testTarget, optionally requiring basic auth.
func connectHandler(user, pass string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect || r.Host != testTarget {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if user != "" {
			want := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
			if r.Header.Get("Proxy-Authorization") != want {
				w.WriteHeader(http.StatusProxyAuthRequired)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// serveRaw runs handle for every connection accepted on a fresh listener.
func serveRaw(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// socks5Server is a minimal SOCKS5 CONNECT responder.
func socks5Server(user, pass string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(r, methods); err != nil {
			return
		}
		if user == "" {
			_, _ = conn.Write([]byte{0x05, 0x00})
		} else {
			if !bytes.Contains(methods, []byte{0x02}) {
				_, _ = conn.Write([]byte{0x05, 0xff})
				return
			}
			_, _ = conn.Write([]byte{0x05, 0x02})
			ver, _ := r.ReadByte()
			ulen, _ := r.ReadByte()
			u := make([]byte, ulen)
			_, _ = io.ReadFull(r, u)
			plen, _ := r.ReadByte()
			pw := make([]byte, plen)
			_, _ = io.ReadFull(r, pw)
			if ver != 0x01 || string(u) != user || string(pw) != pass {
				_, _ = conn.Write([]byte{0x01, 0x01})
				return
			}
			_, _ = conn.Write([]byte{0x01, 0x00})
		}

		req := make([]byte, 4)
		if _, err := io.ReadFull(r, req); err != nil {
			return
		}
		switch req[3] {
		case 0x01:
			_, _ = io.ReadFull(r, make([]byte, 4))
		case 0x04:
			_, _ = io.ReadFull(r, make([]byte, 16))
		case 0x03:
			n, _ := r.ReadByte()
			_, _ = io.ReadFull(r, make([]byte, n))
		}
		_, _ = io.ReadFull(r, make([]byte, 2))
		_, _ = conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}
}

// socks4Server answers SOCKS4a requests with reply and records the target host.
func socks4Server(reply byte, seen chan<- string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return
		}
		if _, err := r.ReadString(0); err != nil {
			return
		}
		host := net.IP(hdr[4:8]).String()
		if hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0 {
			name, err := r.ReadString(0)
			if err != nil {
				return
			}
			host = name[:len(name)-1]
		}
		seen <- host
		_, _ = conn.Write([]byte{0x00, reply, 0, 0, 0, 0, 0, 0})
	}
}

func TestCheck_HTTPConnect(t *testing.T) {
	srv := httptest.NewServer(connectHandler("", ""))
	defer srv.Close()

	v := newProber(t, nil).Check(context.Background(), proxy.Candidate{Address: hostPort(t, srv.URL), Protocol: proxy.ProtocolHTTP})

	assert.True(t, v.Usable, v.Error)
	assert.Empty(t, v.Error)
	assert.Positive(t, v.Latency)
}

func TestCheck_HTTPConnectAuth(t *testing.T) {
	srv := httptest.NewServer(connectHandler("alice", "s3cret"))
	defer srv.Close()
	p := newProber(t, nil)
	addr := hostPort(t, srv.URL)

	v := p.Check(context.Background(), proxy.Candidate{Address: addr, Protocol: proxy.ProtocolHTTP, Username: "alice", Password: "s3cret"})
	assert.True(t, v.Usable, v.Error)

	v = p.Check(context.Background(), proxy.Candidate{Address: addr, Protocol: proxy.ProtocolHTTP})
	assert.False(t, v.Usable)
	assert.Contains(t, v.Error, "407")
}

func TestCheck_HTTPSProxy(t *testing.T) {
	srv := httptest.NewTLSServer(connectHandler("", ""))
	defer srv.Close()
	c := proxy.Candidate{Address: hostPort(t, srv.URL), Protocol: proxy.ProtocolHTTPS}

	v := newProber(t, nil).Check(context.Background(), c)
	assert.True(t, v.Usable, v.Error)

	v = newProber(t, func(cfg *Config) { cfg.InsecureTLS = false }).Check(context.Background(), c)
	assert.False(t, v.Usable)
	assert.Contains(t, v.Error, "tls handshake")
}

func TestCheck_SOCKS5(t *testing.T) {
	p := newProber(t, nil)

	open := serveRaw(t, socks5Server("", ""))
	v := p.Check(context.Background(), proxy.Candidate{Address: open, Protocol: proxy.ProtocolSOCKS5})
	assert.True(t, v.Usable, v.Error)

	authed := serveRaw(t, socks5Server("bob", "pw"))
	v = p.Check(context.Background(), proxy.Candidate{Address: authed, Protocol: proxy.ProtocolSOCKS5, Username: "bob", Password: "pw"})
	assert.True(t, v.Usable, v.Error)

	v = p.Check(context.Background(), proxy.Candidate{Address: authed, Protocol: proxy.ProtocolSOCKS5, Username: "bob", Password: "wrong"})
	assert.False(t, v.Usable)
	assert.NotEmpty(t, v.Error)
}

func TestCheck_SOCKS4(t *testing.T) {
	p := newProber(t, nil)

	seen := make(chan string, 1)
	granted := serveRaw(t, socks4Server(0x5a, seen))
	v := p.Check(context.Background(), proxy.Candidate{Address: granted, Protocol: proxy.ProtocolSOCKS4})
	assert.True(t, v.Usable, v.Error)
	assert.Equal(t, "target.test", <-seen)

	rejected := serveRaw(t, socks4Server(0x5b, make(chan string, 1)))
	v = p.Check(context.Background(), proxy.Candidate{Address: rejected, Protocol: proxy.ProtocolSOCKS4})
	assert.False(t, v.Usable)
	assert.Contains(t, v.Error, "rejected")
}

func TestCheck_Failures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := ln.Addr().String()
	require.NoError(t, ln.Close())

	silent := serveRaw(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})

	p := newProber(t, func(cfg *Config) { cfg.Timeout = 200 * time.Millisecond })

	v := p.Check(context.Background(), proxy.Candidate{Address: refused, Protocol: proxy.ProtocolHTTP})
	assert.False(t, v.Usable)
	assert.Contains(t, v.Error, "refused")

	v = p.Check(context.Background(), proxy.Candidate{Address: silent, Protocol: proxy.ProtocolHTTP})
	assert.False(t, v.Usable)
	assert.Equal(t, "timeout", v.Error)
	assert.Zero(t, v.Latency)

	v = p.Check(context.Background(), proxy.Candidate{Address: "nope", Protocol: proxy.ProtocolHTTP})
	assert.False(t, v.Usable)
	assert.Contains(t, v.Error, "invalid candidate")
}

func TestRun_EmitsEveryVerdict(t *testing.T) {
	srv := httptest.NewServer(connectHandler("", ""))
	defer srv.Close()
	good := hostPort(t, srv.URL)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bad := ln.Addr().String()
	require.NoError(t, ln.Close())

	in := []proxy.Candidate{
		{Address: good, Protocol: proxy.ProtocolHTTP},
		{Address: bad, Protocol: proxy.ProtocolHTTP},
		{Address: good, Protocol: proxy.ProtocolHTTP, Username: "u", Password: "p"},
		{Address: bad, Protocol: proxy.ProtocolSOCKS5},
	}

	var out bytes.Buffer
	p := newProber(t, func(cfg *Config) { cfg.Concurrency = 2 })
	require.NoError(t, p.Run(context.Background(), in, NewJSONLines(&out)))

	records, skipped, err := proxy.ReadOutput(&out)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, len(in))

	usable := 0
	for _, r := range records {
		if r.Usable {
			usable++
		}
	}
	assert.Equal(t, 2, usable)
}

func TestRun_PacesStarts(t *testing.T) {
	srv := httptest.NewServer(connectHandler("", ""))
	defer srv.Close()
	in := make([]proxy.Candidate, 5)
	for i := range in {
		in[i] = proxy.Candidate{Address: hostPort(t, srv.URL), Protocol: proxy.ProtocolHTTP}
	}

	p := newProber(t, func(cfg *Config) {
		cfg.Rate = 20
		cfg.Burst = 1
	})
	start := time.Now()
	var mu sync.Mutex
	n := 0
	require.NoError(t, p.Run(context.Background(), in, SinkFunc(func(proxy.Verdict) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})))

	assert.Equal(t, 5, n)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	silent := serveRaw(t, func(conn net.Conn) { _, _ = io.Copy(io.Discard, conn) })
	in := make([]proxy.Candidate, 10)
	for i := range in {
		in[i] = proxy.Candidate{Address: silent, Protocol: proxy.ProtocolHTTP}
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	emitted := 0
	err := newProber(t, nil).Run(ctx, in, SinkFunc(func(proxy.Verdict) error {
		emitted++
		return nil
	}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, emitted)
}

type bufferedSink struct {
	bytes.Buffer
	flushes int
}

func (b *bufferedSink) Flush() error {
	b.flushes++
	return nil
}

func TestJSONLines_FlushesPerVerdict(t *testing.T) {
	var w bufferedSink
	sink := NewJSONLines(&w)

	require.NoError(t, sink.Emit(proxy.Verdict{Candidate: proxy.Candidate{Address: "10.0.0.1:80", Protocol: proxy.ProtocolHTTP}, Usable: true, Latency: 40 * time.Millisecond}))
	require.NoError(t, sink.Emit(proxy.Verdict{Candidate: proxy.Candidate{Address: "10.0.0.2:80", Protocol: proxy.ProtocolHTTP}, Error: "timeout"}))

	assert.Equal(t, 2, w.flushes)
	assert.Equal(t,
		`{"proxy":"http://10.0.0.1:80","usable":true,"latency_ms":40}`+"\n"+
			`{"proxy":"http://10.0.0.2:80","usable":false,"latency_ms":0,"error":"timeout"}`+"\n",
		w.String())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig(zerolog.Nop()).Validate())

	tests := []func(*Config){
		func(c *Config) { c.Target = "" },
		func(c *Config) { c.Timeout = 0 },
		func(c *Config) { c.Concurrency = 0 },
		func(c *Config) { c.Rate = -1 },
		func(c *Config) { c.Burst = 0 },
	}
	for _, mutate := range tests {
		cfg := DefaultConfig(zerolog.Nop())
		mutate(&cfg)
		assert.Error(t, cfg.Validate())
	}
}
