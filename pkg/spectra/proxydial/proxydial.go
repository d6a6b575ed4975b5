// Package proxydial wraps golang.org/x/net/proxy to provide the dialer a
// Proxy entity (§3) describes: direct, SOCKS5, or HTTP CONNECT. Proxies
// flagged exclusive are serialised across accounts by a per-proxy mutex,
// per §5 ("attempts to use a proxy are serialised per proxy by the
// Scheduler if the operator flags the proxy exclusive").
package proxydial

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// Spec describes one Proxy entity's transport configuration.
type Spec struct {
	ID        int64
	Transport string // direct | socks5 | http
	Host      string
	Port      int
	Username  string
	Password  string
	Exclusive bool
}

// Dialer wraps a proxy.Dialer with the exclusivity lock, if any.
type Dialer struct {
	spec  Spec
	inner proxy.Dialer
	mu    *sync.Mutex // non-nil only when spec.Exclusive
}

// exclusive holds one mutex per exclusive proxy id, shared across Dialer
// instances pointing at the same proxy.
var (
	exclusiveMu sync.Mutex
	exclusive   = make(map[int64]*sync.Mutex)
)

func exclusiveLockFor(id int64) *sync.Mutex {
	exclusiveMu.Lock()
	defer exclusiveMu.Unlock()
	m, ok := exclusive[id]
	if !ok {
		m = &sync.Mutex{}
		exclusive[id] = m
	}
	return m
}

// New builds a Dialer for spec.
func New(spec Spec) (*Dialer, error) {
	var inner proxy.Dialer
	switch spec.Transport {
	case "", "direct":
		inner = proxy.Direct
	case "socks5":
		var auth *proxy.Auth
		if spec.Username != "" {
			auth = &proxy.Auth{User: spec.Username, Password: spec.Password}
		}
		d, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", spec.Host, spec.Port), auth, proxy.Direct)
		if err != nil {
			return nil, errs.New(errs.Configuration, "proxydial.New", err)
		}
		inner = d
	case "http":
		inner = &httpConnectDialer{
			addr: fmt.Sprintf("%s:%d", spec.Host, spec.Port),
			user: spec.Username,
			pass: spec.Password,
		}
	default:
		return nil, errs.New(errs.Configuration, "proxydial.New", fmt.Errorf("unknown proxy transport %q", spec.Transport))
	}

	d := &Dialer{spec: spec, inner: inner}
	if spec.Exclusive {
		d.mu = exclusiveLockFor(spec.ID)
	}
	return d, nil
}

// DialContext dials addr, serialising against other users of the same
// exclusive proxy if applicable.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.mu != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := d.inner.Dial(network, addr)
		ch <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, "Dialer.DialContext", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, errs.New(errs.NetworkTimeout, "Dialer.DialContext", r.err)
		}
		return r.conn, nil
	}
}

// httpConnectDialer implements proxy.Dialer via a plain HTTP CONNECT
// handshake. x/net/proxy only ships SOCKS5 and a scheme registry for
// custom dialers; CONNECT is simple enough to implement directly rather
// than registering a throwaway URL scheme.
type httpConnectDialer struct {
	addr       string
	user, pass string
}

func (h *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial(network, h.addr)
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if h.user != "" {
		token := base64.StdEncoding.EncodeToString([]byte(h.user + ":" + h.pass))
		req += "Proxy-Authorization: Basic " + token + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, err
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(status) < 12 || status[9:12] != "200" {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s failed: %s", addr, status)
	}
	// Drain the remaining header lines up to the blank line.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}
