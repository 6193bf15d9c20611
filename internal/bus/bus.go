// Package bus publishes session events to NATS so an external UI or state
// store can follow a call without linking against callscribe.
//
// Every event becomes one JSON message on the subject
//
//	<prefix>.session.<session id>.<event type>
//
// e.g. "callscribe.session.4f1c….todo". Publishing is fire-and-forget; the
// client buffers while reconnecting.
package bus

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/session"
)

const (
	defaultSubjectPrefix  = "callscribe"
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
)

// Config configures [Connect].
type Config struct {
	// URL is one or more comma-separated NATS server URLs. Required.
	URL string

	// SubjectPrefix is the first subject token. Default: "callscribe".
	SubjectPrefix string

	// Name is reported to the server as the client name.
	Name string

	// Token, or Username and Password, authenticate the connection.
	Token    string
	Username string
	Password string

	// ConnectTimeout bounds the initial dial. Default: 5s.
	ConnectTimeout time.Duration

	// Metrics counts publish failures. Default: observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Publisher is a [session.Sink] backed by a NATS connection.
//
// All methods are safe for concurrent use.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	metrics *observe.Metrics
}

var _ session.Sink = (*Publisher)(nil)

// Connect dials the configured servers. The connection reconnects forever
// in the background once established.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("bus: no NATS url configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	options := []nats.Option{
		nats.Name(cmp.Or(cfg.Name, "callscribe")),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("bus: disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	slog.Info("bus: connected to NATS", "url", conn.ConnectedUrlRedacted(), "subject_prefix", prefix)
	return &Publisher{conn: conn, prefix: prefix, metrics: m}, nil
}

// Publish implements [session.Sink].
func (p *Publisher) Publish(ctx context.Context, ev session.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("bus: encode %s event: %w", ev.Type, err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		p.metrics.BusPublishErrors.Add(ctx, 1)
		return fmt.Errorf("bus: publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Subject returns the subject ev is published on.
func (p *Publisher) Subject(ev session.Event) string {
	return subjectFor(p.prefix, ev)
}

// Healthy reports whether the connection is currently established.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	slog.Info("bus: closing NATS connection")
	err := p.conn.Drain()
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}

func subjectFor(prefix string, ev session.Event) string {
	return prefix + ".session." + subjectToken(ev.SessionID) + "." + ev.Type.String()
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
