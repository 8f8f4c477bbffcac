package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
)

// Transport carries one JSON message per call in each direction. Stdio and
// socket transports both satisfy it.
type Transport interface {
	// WriteMessage sends a single encoded message.
	WriteMessage(p []byte) error
	// ReadMessage blocks until the next message or an error. io.EOF marks a
	// cleanly closed peer.
	ReadMessage() ([]byte, error)
	// Close tears down the underlying stream.
	Close() error
}

// Conn is a duplex JSON-RPC 2.0 connection. It issues outgoing calls with
// sequential numeric IDs starting at 1 and dispatches incoming traffic to
// the registered handlers.
type Conn struct {
	transport Transport

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex
	closed    bool

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger *logger.Logger
	done   chan struct{}
}

// NewConn creates a connection over the given transport. Call Start to
// begin dispatching incoming messages.
func NewConn(transport Transport, log *logger.Logger) *Conn {
	return &Conn{
		transport: transport,
		pending:   make(map[interface{}]chan *Response),
		logger:    log.WithFields(zap.String("component", "jsonrpc")),
		done:      make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
// Must be called before Start.
func (c *Conn) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the peer.
// The handler is responsible for eventually calling SendResponse with the
// given id. Must be called before Start.
func (c *Conn) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// Start begins reading from the transport.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close stops the connection and releases any blocked callers. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.transport.Close()
}

// Call sends a request and waits for the matching response.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	paramsJSON, err := marshalValue(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	req := &Request{JSONRPC: Version, ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalValue(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	return c.send(&Notification{JSONRPC: Version, Method: method, Params: paramsJSON})
}

// SendResponse answers a request previously delivered to the request
// handler. Exactly one of result or rpcErr should be set.
func (c *Conn) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{JSONRPC: Version, ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Conn) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.transport.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("jsonrpc: sent message", zap.ByteString("data", data))
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line, err := c.transport.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("jsonrpc: read loop ended", zap.Error(err))
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("jsonrpc: failed to parse message", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{JSONRPC: Version, ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod && !hasID:
			c.handleNotification(msg.Method, msg.Params)
		}
	}
}

func (c *Conn) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("jsonrpc: response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *Conn) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

func (c *Conn) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("jsonrpc: request with no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, NewError(MethodNotFound, "Method not found")); err != nil {
		c.logger.Warn("jsonrpc: failed to send method not found response", zap.Error(err))
	}
}

// normalizeID maps JSON-decoded numeric ids onto the int64 keys used for
// outgoing requests.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func marshalValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
