package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client describes how to reach one SSH endpoint.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	// Dialer defaults to a net.Dialer with Timeout.
	Dialer Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with a linear backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}
	retries := max(c.Retries, 0)
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dialOnce(ctx, dialer, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, lastErr)
}

func dialOnce(ctx context.Context, dialer Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		sc, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- res{err: err}
			return
		}
		ch <- res{cli: xssh.NewClient(sc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		_ = conn.Close()
		if r := <-ch; r.cli != nil {
			_ = r.cli.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
		}
		return r.cli, r.err
	}
}
