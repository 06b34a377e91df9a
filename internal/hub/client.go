package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	pingInterval = 30 * time.Second
	readLimit    = 64 << 10
)

var errNoController = errors.New("commands are not accepted by this server")

type Client struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	subMu         sync.RWMutex
	subscribeAll  bool
	subscriptions map[string]struct{}
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           hub,
		subscribeAll:  true,
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				slog.Warn("client read failed", "client", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("client sent invalid message", "client", c.id, "error", err)
			c.hub.SendError(c, "invalid message format")
			continue
		}

		if err := c.dispatch(msg); err != nil {
			c.hub.SendError(c, msg.Type+": "+err.Error())
		}
	}
}

func (c *Client) dispatch(msg ClientMessage) error {
	if msg.Type == MsgSubscribe {
		c.subscribe(msg.Terminal)
		return nil
	}

	ctrl := c.hub.ctrl
	if ctrl == nil {
		return errNoController
	}

	switch msg.Type {
	case MsgTerminalInput:
		if msg.Terminal == "" || msg.Keys == "" {
			return nil
		}
		return ctrl.TerminalInput(msg.Terminal, msg.Keys)
	case MsgTerminalKey:
		if msg.Terminal == "" || msg.Key == "" {
			return nil
		}
		return ctrl.TerminalKey(msg.Terminal, msg.Key)
	case MsgTerminalResize:
		if msg.Terminal == "" || msg.Cols <= 0 || msg.Rows <= 0 {
			return nil
		}
		return ctrl.ResizeTerminal(msg.Terminal, msg.Cols, msg.Rows)
	case MsgNewTerminal:
		return ctrl.NewTerminal(msg.Name, msg.Command)
	case MsgCloseTerminal:
		return ctrl.CloseTerminal(msg.Terminal)
	case MsgPromote:
		return ctrl.Promote(msg.Terminal)
	case MsgReturn:
		return ctrl.ReturnToSidebar(msg.Terminal)
	case MsgReorder:
		return ctrl.Reorder(msg.From, msg.To)
	case MsgToggleFullscreen:
		return ctrl.ToggleFullscreen()
	case MsgSetWindow:
		return ctrl.SetWindow(msg.Window)
	case MsgFreeze:
		ctrl.Freeze()
	case MsgUnfreeze:
		ctrl.Unfreeze()
	default:
		return errors.New("unknown message type")
	}
	return nil
}

// subscribe narrows terminal output to the named terminals; an empty id
// restores output for all of them.
func (c *Client) subscribe(terminal string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if terminal == "" {
		c.subscribeAll = true
		c.subscriptions = make(map[string]struct{})
		return
	}
	c.subscribeAll = false
	c.subscriptions[terminal] = struct{}{}
}

func (c *Client) wantsTerminal(terminal string) bool {
	if terminal == "" {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if c.subscribeAll {
		return true
	}
	_, ok := c.subscriptions[terminal]
	return ok
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
