package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/compose-network/proxy-validator/x/proxy"
)

const (
	socks4Version      = 0x04
	socks4CmdConnect   = 0x01
	socks4Granted      = 0x5a
	socks4ReplyVersion = 0x00
)

// dialSOCKS4 performs a SOCKS4a CONNECT. The target host is always sent by
// name so resolution happens on the proxy.
func (p *Prober) dialSOCKS4(ctx context.Context, c proxy.Candidate, target string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad target port %q", portStr)
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, err
	}
	stop := bindDeadline(ctx, conn)
	defer stop()

	req := make([]byte, 0, 10+len(c.Username)+len(host))
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if ip := net.ParseIP(host).To4(); ip != nil {
		req = append(req, ip...)
		req = append(req, c.Username...)
		req = append(req, 0)
	} else {
		// 0.0.0.x with x != 0 asks the proxy to resolve the trailing host.
		req = append(req, 0, 0, 0, 1)
		req = append(req, c.Username...)
		req = append(req, 0)
		req = append(req, host...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write socks4 request: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 reply: %w", err)
	}
	if resp[0] != socks4ReplyVersion {
		conn.Close()
		return nil, errors.New("socks4: malformed reply")
	}
	if resp[1] != socks4Granted {
		conn.Close()
		return nil, fmt.Errorf("socks4: request rejected (0x%02x)", resp[1])
	}
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
