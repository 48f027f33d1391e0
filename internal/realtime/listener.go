// Package realtime subscribes to postgres LISTEN/NOTIFY channels and fans
// notifications out to registered handlers. The server uses it to drop
// cached tenant scope when tenant or membership rows change under it.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ChannelTenantChanged     = "tenant_changed"
	ChannelMembershipChanged = "membership_changed"
)

// Notification is one LISTEN/NOTIFY event. Payload carries the tenant ID,
// or "" when the trigger could not name one.
type Notification struct {
	Channel string
	Payload string
}

// notifyConn is one dedicated connection holding LISTEN subscriptions.
// Satisfied by pgNotifyConn and by test fakes.
type notifyConn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}

type connectFunc func(ctx context.Context) (notifyConn, error)

type Listener struct {
	connect  connectFunc
	handlers map[string]func(payload string)
	logger   *slog.Logger
	backoff  time.Duration
}

// NewListener builds a listener on a dedicated connection hijacked from the
// pool. The connection never returns to the pool; LISTEN subscriptions are
// per session and a pooled conn would lose them.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	return newListener(func(ctx context.Context) (notifyConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &pgNotifyConn{conn: c.Hijack()}, nil
	}, logger)
}

func newListener(connect connectFunc, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		connect:  connect,
		handlers: make(map[string]func(payload string)),
		logger:   logger,
		backoff:  time.Second,
	}
}

// Handle registers fn for a channel. Must be called before Run; the handler
// map is not guarded after the loop starts.
func (l *Listener) Handle(channel string, fn func(payload string)) {
	l.handlers[channel] = fn
}

// Run blocks consuming notifications until ctx is canceled. Connection
// failures are retried with a flat backoff; notifications sent while
// disconnected are lost, so handlers must treat events as hints, not a log.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("realtime: listener disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range l.channels() {
		if err := conn.Listen(ctx, ch); err != nil {
			return err
		}
	}
	l.logger.Info("realtime: listening", "channels", l.channels())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if fn, ok := l.handlers[n.Channel]; ok {
			fn(n.Payload)
		} else {
			l.logger.Warn("realtime: notification on unhandled channel", "channel", n.Channel)
		}
	}
}

func (l *Listener) channels() []string {
	out := make([]string, 0, len(l.handlers))
	for ch := range l.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

type pgNotifyConn struct {
	conn *pgx.Conn
}

func (c *pgNotifyConn) Listen(ctx context.Context, channel string) error {
	ident := pgx.Identifier{channel}.Sanitize()
	_, err := c.conn.Exec(ctx, "LISTEN "+ident)
	return err
}

func (c *pgNotifyConn) WaitForNotification(ctx context.Context) (Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	if n == nil {
		return Notification{}, errors.New("realtime: nil notification")
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgNotifyConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
