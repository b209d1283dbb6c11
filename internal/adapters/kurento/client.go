// Package kurento implements the media port against a Kurento-compatible
// media server speaking JSON-RPC 2.0 over WebSocket.
package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 60 * time.Second
)

var ErrClosed = errors.New("kurento: client closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kurento: rpc error %d: %s", e.Code, e.Message)
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// Client multiplexes JSON-RPC calls and server events over one WebSocket
// connection to the media server.
type Client struct {
	recordingPath string

	conn    *websocket.Conn
	writeMu sync.Mutex

	reqID     atomic.Uint64
	sessionID atomic.Value // string

	mu       sync.Mutex
	pending  map[uint64]chan rpcResult
	events   map[string]func(json.RawMessage) // object id + "/" + event type
	closed   bool
	closeErr error
	done     chan struct{}
}

// Dial connects to the media server. recordingPath is the URI prefix the
// server writes recordings under.
func Dial(ctx context.Context, url, recordingPath string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kurento: dial %s: %w", url, err)
	}

	c := &Client{
		recordingPath: recordingPath,
		conn:          conn,
		pending:       make(map[uint64]chan rpcResult),
		events:        make(map[string]func(json.RawMessage)),
		done:          make(chan struct{}),
	}
	c.sessionID.Store("")
	go c.readLoop()
	go c.pingLoop()
	log.Info().Str("module", "kurento").Str("url", url).Msg("connected to media server")
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = ErrClosed
	close(c.done)
	for id, ch := range c.pending {
		ch <- rpcResult{err: ErrClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return
		}
		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error().Err(err).Str("module", "kurento").Msg("bad frame from media server")
			continue
		}
		switch {
		case frame.Method == "onEvent":
			c.dispatchEvent(frame.Params)
		case frame.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*frame.ID]
			delete(c.pending, *frame.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if frame.Error != nil {
				ch <- rpcResult{err: frame.Error}
			} else {
				ch <- rpcResult{raw: frame.Result}
			}
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeErr = err
		close(c.done)
	}
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_, err := c.request(ctx, "ping", map[string]any{"interval": pingInterval.Milliseconds()})
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("module", "kurento").Msg("media server ping failed")
			}
		}
	}
}

func (c *Client) request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	id := c.reqID.Add(1)
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if sid, _ := c.sessionID.Load().(string); sid != "" && params != nil {
		params["sessionId"] = sid
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("kurento: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		c.rememberSession(res.raw)
		return res.raw, nil
	}
}

// rememberSession keeps the sessionId the server assigns on the first
// response; every later request carries it.
func (c *Client) rememberSession(raw json.RawMessage) {
	if sid, _ := c.sessionID.Load().(string); sid != "" {
		return
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err == nil && res.SessionID != "" {
		c.sessionID.Store(res.SessionID)
	}
}

func (c *Client) create(ctx context.Context, objType string, constructorParams map[string]any) (string, error) {
	raw, err := c.request(ctx, "create", map[string]any{
		"type":              objType,
		"constructorParams": constructorParams,
	})
	if err != nil {
		return "", err
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("kurento: create %s: %w", objType, err)
	}
	return res.Value, nil
}

func (c *Client) invoke(ctx context.Context, object, operation string, operationParams map[string]any) (json.RawMessage, error) {
	params := map[string]any{
		"object":    object,
		"operation": operation,
	}
	if operationParams != nil {
		params["operationParams"] = operationParams
	}
	return c.request(ctx, "invoke", params)
}

func (c *Client) subscribe(ctx context.Context, object, eventType string, handler func(json.RawMessage)) error {
	c.mu.Lock()
	c.events[object+"/"+eventType] = handler
	c.mu.Unlock()
	_, err := c.request(ctx, "subscribe", map[string]any{
		"object": object,
		"type":   eventType,
	})
	return err
}

func (c *Client) releaseObject(ctx context.Context, object string) error {
	_, err := c.request(ctx, "release", map[string]any{"object": object})
	return err
}

func (c *Client) dispatchEvent(params json.RawMessage) {
	var ev struct {
		Value struct {
			Object string          `json:"object"`
			Type   string          `json:"type"`
			Data   json.RawMessage `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(params, &ev); err != nil {
		log.Error().Err(err).Str("module", "kurento").Msg("bad event from media server")
		return
	}
	c.mu.Lock()
	handler := c.events[ev.Value.Object+"/"+ev.Value.Type]
	c.mu.Unlock()
	if handler == nil {
		log.Debug().Str("module", "kurento").Str("object", ev.Value.Object).Str("type", ev.Value.Type).Msg("event without subscriber")
		return
	}
	handler(ev.Value.Data)
}

func (c *Client) forgetObject(object string) {
	c.mu.Lock()
	for key := range c.events {
		if len(key) > len(object) && key[:len(object)] == object && key[len(object)] == '/' {
			delete(c.events, key)
		}
	}
	c.mu.Unlock()
}
