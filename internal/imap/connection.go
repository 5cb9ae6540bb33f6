package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// DefaultPort is the IMAP over implicit TLS port.
const DefaultPort = 993

// Security selects how the connection is protected.
type Security string

const (
	// SecurityTLS wraps the connection in TLS from the first byte.
	SecurityTLS Security = "tls"
	// SecurityStartTLS upgrades a plain connection with STARTTLS.
	SecurityStartTLS Security = "starttls"
	// SecurityPlain leaves the connection unencrypted. Used for local test servers.
	SecurityPlain Security = "plain"
)

// DialOptions describes how to reach the IMAP server.
type DialOptions struct {
	Host     string
	Port     int
	Security Security
	// Timeout bounds connection establishment only. Zero means no timeout.
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Address returns host:port, falling back to DefaultPort.
func (o DialOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// contextDialer lets go-imap dial through a context-aware net.Dialer.
type contextDialer struct {
	ctx    context.Context
	dialer *net.Dialer
}

func (d contextDialer) Dial(network, address string) (net.Conn, error) {
	return d.dialer.DialContext(d.ctx, network, address)
}

// Dial connects to the IMAP server. Any failure is reported as a StatusError
// with StatusTransportError.
func Dial(ctx context.Context, opts DialOptions, logger *zap.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, &StatusError{Op: OpConnect, Status: StatusTransportError, Err: fmt.Errorf("host is empty")}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := opts.Address()
	dialer := contextDialer{ctx: ctx, dialer: &net.Dialer{Timeout: opts.Timeout}}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: opts.Host, MinVersion: tls.VersionTLS12}
	}

	var (
		c   *client.Client
		err error
	)
	switch opts.Security {
	case SecurityTLS, "":
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case SecurityStartTLS, SecurityPlain:
		c, err = client.DialWithDialer(dialer, addr)
	default:
		err = fmt.Errorf("unknown security mode %q", opts.Security)
	}
	if err != nil {
		return nil, &StatusError{Op: OpConnect, Status: StatusTransportError, Err: fmt.Errorf("failed to dial %s: %w", addr, err)}
	}

	if opts.Security == SecurityStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, &StatusError{Op: OpConnect, Status: StatusTransportError, Err: fmt.Errorf("failed to start TLS: %w", err)}
		}
	}

	return &Session{
		client: c,
		host:   opts.Host,
		logger: logger.With(zap.String("host", opts.Host)),
	}, nil
}
