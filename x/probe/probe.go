package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/compose-network/proxy-validator/x/proxy"
)

// Prober checks whether candidates can tunnel to the configured target.
type Prober struct {
	cfg    Config
	dialer *net.Dialer
	now    func() time.Time
}

func New(cfg Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Prober{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout, KeepAlive: -1},
		now:    time.Now,
	}, nil
}

// Check probes a single candidate. It never returns an error: any failure
// becomes an unusable verdict carrying the reason.
func (p *Prober) Check(ctx context.Context, c proxy.Candidate) proxy.Verdict {
	v := proxy.Verdict{Candidate: c}
	if err := c.Validate(); err != nil {
		v.Error = err.Error()
		return v
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.now()
	conn, err := p.dial(ctx, c)
	if err != nil {
		v.Error = describe(err)
		return v
	}
	conn.Close()

	v.Usable = true
	v.Latency = p.now().Sub(start)
	return v
}

func (p *Prober) dial(ctx context.Context, c proxy.Candidate) (net.Conn, error) {
	switch c.Protocol {
	case proxy.ProtocolHTTP, proxy.ProtocolHTTPS:
		return p.dialConnect(ctx, c, p.cfg.Target)
	case proxy.ProtocolSOCKS4:
		return p.dialSOCKS4(ctx, c, p.cfg.Target)
	case proxy.ProtocolSOCKS5:
		return p.dialSOCKS5(ctx, c, p.cfg.Target)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
}

func (p *Prober) dialSOCKS5(ctx context.Context, c proxy.Candidate, target string) (net.Conn, error) {
	var auth *xproxy.Auth
	if c.Username != "" {
		auth = &xproxy.Auth{User: c.Username, Password: c.Password}
	}
	d, err := xproxy.SOCKS5("tcp", c.Address, auth, p.dialer)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd.DialContext(ctx, "tcp", target)
}

// describe shortens dial errors to something worth reading in a report.
func describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) && oerr.Op == "dial" {
		return oerr.Err.Error()
	}
	return err.Error()
}

// bindDeadline applies ctx's deadline to conn and expires it early if ctx is
// canceled. stop reports false if ctx already fired.
func bindDeadline(ctx context.Context, conn net.Conn) (stop func() bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}
