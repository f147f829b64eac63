package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// rpc is the request surface the session managers need from a connection.
// *Conn is the production implementation; tests substitute fakes.
type rpc interface {
	// Request sends a request and blocks until the response arrives or the
	// context is canceled.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)

	// RequestAsync sends a request and returns immediately. onReply is
	// invoked on the read pump goroutine when the response arrives; a nil
	// onReply discards the response.
	RequestAsync(method string, params any, onReply func(json.RawMessage, error))

	// Notify sends a fire-and-forget notification.
	Notify(method string, params any) error
}

// NotificationHandler processes one inbound notification.
type NotificationHandler func(params json.RawMessage)

// Responder delivers the result of an inbound server->client request. It
// must be called exactly once; passing a nil result answers with null.
type Responder func(result any, rpcErr *RPCError)

// RequestHandler processes one inbound server->client request.
type RequestHandler func(params json.RawMessage, respond Responder)

// Conn multiplexes JSON-RPC exchanges over a Transport.
//
// Outbound requests are correlated to responses by a monotonically
// increasing numeric ID. Inbound notifications and requests are dispatched
// to registered handlers on the read pump goroutine; handlers are fault
// isolated so one malformed payload cannot take down the pump.
type Conn struct {
	transport Transport
	requestID atomic.Uint64
	pending   sync.Map // request ID (uint64) -> chan *RPCMessage

	mu            sync.RWMutex
	notifHandlers map[string]NotificationHandler
	reqHandlers   map[string]RequestHandler

	log        pslog.Logger
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// NewConn creates a connection over the given transport. Handlers may be
// registered before or after Start, but registering before avoids dropping
// early notifications.
func NewConn(transport Transport, log pslog.Logger) *Conn {
	return &Conn{
		transport:     transport,
		notifHandlers: make(map[string]NotificationHandler),
		reqHandlers:   make(map[string]RequestHandler),
		log:           log.With("component", "conn"),
	}
}

// Handle registers a handler for an inbound notification method.
func (c *Conn) Handle(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifHandlers[method] = h
}

// HandleRequest registers a handler for an inbound server->client request
// method.
func (c *Conn) HandleRequest(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandlers[method] = h
}

// Start launches the read pump. The pump runs until the transport closes or
// Close is called.
func (c *Conn) Start() {
	c.pumpCtx, c.pumpCancel = context.WithCancel(context.Background())
	c.pumpDone = make(chan struct{})
	go c.pump()
}

// Close stops the read pump and fails all pending requests.
func (c *Conn) Close() {
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.failPending()
}

// pump reads messages from the transport and dispatches them.
func (c *Conn) pump() {
	defer close(c.pumpDone)
	defer c.failPending()

	for msg, err := range c.transport.ReadMessages(c.pumpCtx) {
		if err != nil {
			c.log.Warn("dropping unreadable message", "err", err)
			continue
		}

		switch {
		case msg.IsResponse():
			c.dispatchResponse(msg)
		case msg.IsRequest():
			c.dispatchRequest(msg)
		case msg.IsNotification():
			c.dispatchNotification(msg)
		default:
			c.log.Warn("message is neither request, response, nor notification")
		}
	}
}

// dispatchResponse routes a response to the waiting request. A response
// whose ID matches no pending request is an expected race with request
// teardown and is dropped.
func (c *Conn) dispatchResponse(msg *RPCMessage) {
	id, err := strconv.ParseUint(string(*msg.ID), 10, 64)
	if err != nil {
		c.log.Warn("response with non-numeric id", "id", string(*msg.ID))
		return
	}

	val, ok := c.pending.LoadAndDelete(id)
	if !ok {
		c.log.Debug("response for unknown request", "id", id)
		return
	}

	ch := val.(chan *RPCMessage)
	select {
	case ch <- msg:
	default:
	}
}

// dispatchRequest answers an inbound server->client request. Handler panics
// are converted to internal errors so the pump survives.
func (c *Conn) dispatchRequest(msg *RPCMessage) {
	c.mu.RLock()
	handler, ok := c.reqHandlers[msg.Method]
	c.mu.RUnlock()

	respond := func(result any, rpcErr *RPCError) {
		resp := &RPCMessage{ID: msg.ID, Error: rpcErr}
		if rpcErr == nil {
			data, err := json.Marshal(result)
			if err != nil {
				resp.Error = &RPCError{Code: codeInternalError, Message: err.Error()}
			} else {
				resp.Result = data
			}
		}
		if err := c.transport.Write(context.Background(), resp); err != nil {
			c.log.Warn("failed to send response", "method", msg.Method, "err", err)
		}
	}

	if !ok {
		respond(nil, &RPCError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("request handler panicked", "method", msg.Method, "panic", r)
				respond(nil, &RPCError{Code: codeInternalError, Message: "handler failure"})
			}
		}()
		handler(msg.Params, respond)
	}()
}

// dispatchNotification routes an inbound notification. Unregistered methods
// are dropped at debug level; handler panics are contained.
func (c *Conn) dispatchNotification(msg *RPCMessage) {
	c.mu.RLock()
	handler, ok := c.notifHandlers[msg.Method]
	c.mu.RUnlock()

	if !ok {
		c.log.Debug("no handler for notification", "method", msg.Method)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("notification handler panicked", "method", msg.Method, "panic", r)
			}
		}()
		handler(msg.Params)
	}()
}

// Request sends a request and blocks until the response arrives, the
// context is canceled, or the connection closes.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch, err := c.send(ctx, method, params)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, &ErrRequestFailed{Method: method, Cause: &ErrTransportClosed{}}
		}
		if resp.Error != nil {
			return nil, &ErrRequestFailed{Method: method, Cause: resp.Error}
		}
		return resp.Result, nil
	}
}

// RequestAsync sends a request without blocking the caller. The reply is
// delivered to onReply on a separate goroutine; a nil onReply discards it.
func (c *Conn) RequestAsync(method string, params any, onReply func(json.RawMessage, error)) {
	_, ch, err := c.send(context.Background(), method, params)
	if err != nil {
		if onReply != nil {
			onReply(nil, err)
		}
		return
	}

	go func() {
		resp, ok := <-ch
		if onReply == nil {
			return
		}
		switch {
		case !ok:
			onReply(nil, &ErrRequestFailed{Method: method, Cause: &ErrTransportClosed{}})
		case resp.Error != nil:
			onReply(nil, &ErrRequestFailed{Method: method, Cause: resp.Error})
		default:
			onReply(resp.Result, nil)
		}
	}()
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	msg := &RPCMessage{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}
	return c.transport.Write(context.Background(), msg)
}

// send registers a pending slot and writes the request frame. The slot is
// registered before the write to avoid racing a fast response.
func (c *Conn) send(ctx context.Context, method string, params any) (uint64, chan *RPCMessage, error) {
	msg := &RPCMessage{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}

	id := c.requestID.Add(1)
	msg.ID = rawID(id)

	ch := make(chan *RPCMessage, 1)
	c.pending.Store(id, ch)

	if err := c.transport.Write(ctx, msg); err != nil {
		c.pending.Delete(id)
		return 0, nil, &ErrRequestFailed{Method: method, Cause: err}
	}

	return id, ch, nil
}

// failPending closes every in-flight request channel; waiters observe a
// closed-transport failure.
func (c *Conn) failPending() {
	c.pending.Range(func(key, _ any) bool {
		if val, ok := c.pending.LoadAndDelete(key); ok {
			close(val.(chan *RPCMessage))
		}
		return true
	})
}
