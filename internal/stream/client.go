// Package stream subscribes to the hook event server and hands decoded
// records to the application one at a time, in arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/tessera/internal/hookevent"
)

const (
	DefaultURL        = "ws://localhost:4000/stream"
	DefaultRetryDelay = 3 * time.Second

	readLimit = 16 << 20
)

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// Client keeps one connection to the event server open, reconnecting after
// RetryDelay whenever it drops.
type Client struct {
	url        string
	retryDelay time.Duration
	dial       dialFunc

	onRecord func(hookevent.Record)
	onStatus func(connected bool)

	mu        sync.RWMutex
	connected bool
}

// New creates a client. onRecord receives every record; onStatus, if not
// nil, is told about connection changes.
func New(url string, onRecord func(hookevent.Record), onStatus func(bool)) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:        url,
		retryDelay: DefaultRetryDelay,
		dial:       websocket.Dial,
		onRecord:   onRecord,
		onStatus:   onStatus,
	}
}

// SetRetryDelay changes the pause between reconnect attempts.
func (c *Client) SetRetryDelay(d time.Duration) {
	if d > 0 {
		c.retryDelay = d
	}
}

func (c *Client) URL() string { return c.url }

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if changed && c.onStatus != nil {
		c.onStatus(v)
	}
}

// Run connects and reads until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("event stream disconnected", "url", c.url, "error", err, "retry_in", c.retryDelay)

		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	slog.Info("event stream connected", "url", c.url)
	c.setConnected(true)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := hookevent.DecodeEnvelope(data)
		if err != nil {
			if !errors.Is(err, hookevent.ErrNoData) {
				slog.Warn("event stream: skipping malformed frame", "error", err)
			}
			continue
		}
		for _, rec := range env.Records {
			if c.onRecord != nil {
				c.onRecord(rec)
			}
		}
	}
}
