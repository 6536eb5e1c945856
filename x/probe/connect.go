package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// dialConnect opens a tunnel to target through an HTTP proxy using CONNECT.
// For https proxies the proxy hop itself is wrapped in TLS first. Bytes the
// proxy sends past the CONNECT response are dropped; callers only close the
// returned conn.
func (p *Prober) dialConnect(ctx context.Context, c proxy.Candidate, target string) (net.Conn, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, err
	}
	stop := bindDeadline(ctx, conn)
	defer stop()

	if c.Protocol == proxy.ProtocolHTTPS {
		host, _, _ := net.SplitHostPort(c.Address)
		tconn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: p.cfg.InsecureTLS}) //nolint:gosec // proxies rarely carry valid certs
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tconn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	if c.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT refused: %s", resp.Status)
	}
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
