package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dispatchd/internal/rpcfacade"
)

// client is a thin JSON-RPC 2.0 over WebSocket client: it owns the
// connection, matches responses to requests by id, and fans every
// unsolicited notification out to whoever is currently listening. It
// holds no task/dispatch/pool state of its own — dispatchctl is purely a
// client of the rpcfacade server.
type client struct {
	conn    *websocket.Conn
	nextID  int64
	mu      sync.Mutex
	pending map[string]chan rpcfacade.Response

	notifyMu sync.Mutex
	notify   []chan rpcfacade.Notification
}

func dial(url string) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &client{conn: conn, pending: map[string]chan rpcfacade.Response{}}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[string]chan rpcfacade.Response{}
			c.mu.Unlock()
			return
		}

		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		if probe.Method != "" {
			var n rpcfacade.Notification
			if err := json.Unmarshal(data, &n); err == nil {
				c.dispatchNotification(n)
			}
			continue
		}

		var resp rpcfacade.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		key := string(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *client) dispatchNotification(n rpcfacade.Notification) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, ch := range c.notify {
		select {
		case ch <- n:
		default:
		}
	}
}

// subscribe returns a channel fed every notification received from the
// moment of the call onward. Call unsubscribe(ch) when done.
func (c *client) subscribe() chan rpcfacade.Notification {
	ch := make(chan rpcfacade.Notification, 64)
	c.notifyMu.Lock()
	c.notify = append(c.notify, ch)
	c.notifyMu.Unlock()
	return ch
}

func (c *client) unsubscribe(ch chan rpcfacade.Notification) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for i, existing := range c.notify {
		if existing == ch {
			c.notify = append(c.notify[:i], c.notify[i+1:]...)
			break
		}
	}
}

// call issues one JSON-RPC request and blocks for its matching response.
func (c *client) call(method string, params any) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&c.nextID, 1))
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := rpcfacade.Request{JSONRPC: "2.0", ID: json.RawMessage(`"` + id + `"`), Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respCh := make(chan rpcfacade.Response, 1)
	c.mu.Lock()
	c.pending[`"`+id+`"`] = respCh
	c.mu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for %s", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, err
		}
		return raw, nil
	case <-time.After(2 * time.Minute):
		return nil, fmt.Errorf("timed out waiting for %s", method)
	}
}

func (c *client) close() {
	c.conn.Close()
}
