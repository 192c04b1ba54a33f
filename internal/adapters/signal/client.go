package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/housecall/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 32

// envelope is the single frame shape on the wire. Requests carry an id,
// acknowledgements echo it with ack set, events carry neither.
type envelope struct {
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ackError struct {
	Error string `json:"error"`
}

// Client is a websocket signaling client.
type Client struct {
	conn *websocket.Conn
	send chan core.Frame

	// Timeout bounds each Request when positive.
	Timeout time.Duration

	hmu      sync.RWMutex
	handlers map[string][]core.EventHandler

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	closed  bool
	done    chan struct{}
}

// Dial connects to url. Call Run to start the pumps.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("connected")
	return NewClient(ws), nil
}

func NewClient(ws *websocket.Conn) *Client {
	return &Client{
		conn:     ws,
		send:     make(chan core.Frame, sendBuffer),
		handlers: make(map[string][]core.EventHandler),
		pending:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
}

// Run pumps frames until ctx is done or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	err := c.readPump(ctx)
	c.Close()
	return err
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) error {
	defer log.Info().Str("module", "signal").Msg("readPump closing")
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	if env.Ack {
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "signal").Str("id", env.ID).Msg("unexpected ack")
			return
		}
		ch <- env.Data
		return
	}

	c.hmu.RLock()
	handlers := c.handlers[env.Event]
	c.hmu.RUnlock()
	if len(handlers) == 0 {
		log.Debug().Str("module", "signal").Str("event", env.Event).Msg("unhandled event")
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Client) On(event string, handler core.EventHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) Emit(event string, payload any) error {
	return c.write(envelope{Event: event}, payload)
}

// Request sends event and waits for its acknowledgement. There is no retry;
// the wait ends with the ack, ctx, Timeout or the connection closing.
func (c *Client) Request(ctx context.Context, event string, payload, out any) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", event, core.ErrClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(envelope{Event: event, ID: id}, payload); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", event, err)
	}

	select {
	case data := <-ch:
		return decodeAck(event, data, out)
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", event, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", event, core.ErrClosed)
	}
}

func decodeAck(event string, data json.RawMessage, out any) error {
	if len(data) > 0 && data[0] == '{' {
		var marker ackError
		if err := json.Unmarshal(data, &marker); err == nil && marker.Error != "" {
			return fmt.Errorf("%s: %w: %s", event, core.ErrSignaling, marker.Error)
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode ack: %w", event, err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(env envelope, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", env.Event, err)
		}
		env.Data = data
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	return c.TrySend(b)
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close fails every outstanding request with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	c.pending = make(map[string]chan json.RawMessage)
	_ = c.conn.Close()
	c.mu.Unlock()
	log.Info().Str("module", "signal").Msg("closed")
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }
