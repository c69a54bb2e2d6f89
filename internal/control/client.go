package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// correlationSuffixLen is how much of a UUID is appended to the timestamp
// when building correlation identifiers. Uniqueness only needs to hold among
// concurrently outstanding commands, so a short suffix is plenty.
const correlationSuffixLen = 8

// Broker is the transport the control client drives.
//
// It is implemented by infrastructure/mqtt.Client (via a thin adapter in
// cmd/credsync) and by fakes in tests. Subscribe must not return until the
// broker has acknowledged the subscription.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	Close() error
}

// Logger is the logging surface the client needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Client.
type Options struct {
	// CommandTopic is where command envelopes are published.
	CommandTopic string

	// ResponseTopic is where the broker publishes responses.
	ResponseTopic string

	// Timeout bounds how long a single command waits for its response.
	Timeout time.Duration

	// QoS for control-channel publishes and the response subscription.
	QoS byte
}

// Client provides request/response semantics over the broker's
// publish/subscribe control channel.
//
// One Client per process is constructed explicitly and passed to all
// consumers; it owns the single administrative connection, the response
// subscription, and the pending-command table.
//
// The connection is established lazily on first Send. Concurrent first
// callers share a single connection attempt. No automatic reconnection is
// performed: a lost connection is logged, and the next Send re-runs the lazy
// connect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Multiple commands may be outstanding concurrently.
type Client struct {
	broker Broker
	opts   Options
	log    Logger

	// pending holds one entry per outstanding command, keyed by correlation
	// id. The response handler and the timeout both remove entries with an
	// atomic check-and-remove under mu, so only the first of the two ever
	// resolves a caller.
	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool

	// subscribed records that the response-topic subscription is live on the
	// current connection. Reset implicitly when the connection drops because
	// readiness also requires broker.IsConnected().
	subscribed bool

	// connect collapses concurrent connection attempts into one.
	connect singleflight.Group
}

// pendingCommand tracks a single outstanding command.
type pendingCommand struct {
	correlationID string
	issuedAt      time.Time
	result        chan outcome
	timer         *time.Timer
}

// outcome carries a resolution to the awaiting caller.
type outcome struct {
	response Response
	err      error
}

// NewClient creates a control client over the given broker transport.
//
// Parameters:
//   - broker: Transport, typically the Paho wrapper
//   - opts: Topics, timeout, and QoS
//   - log: Logger for connection and attribution events
//
// Returns:
//   - *Client: Ready client; the connection is dialled on first Send
func NewClient(broker Broker, opts Options, log Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		broker:  broker,
		opts:    opts,
		log:     log,
		pending: make(map[string]*pendingCommand),
	}
}

// Send publishes a single command to the control topic and waits for its
// correlated response.
//
// The command is wrapped in the broker's envelope format with a correlation
// identifier; the broker echoes the identifier on the response topic. A
// response element with an error field fails the call with ErrCommandRejected.
// No response within the timeout fails the call with ErrCommandTimeout. A
// publish-level failure fails the call immediately with ErrTransport.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling abandons the wait
//   - cmd: The command to issue
//
// Returns:
//   - Response: The first element of the broker's responses array
//   - error: Timeout, rejection, transport, or context error
func (c *Client) Send(ctx context.Context, cmd Command) (Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return Response{}, err
	}

	id := newCorrelationID()
	p := &pendingCommand{
		correlationID: id,
		issuedAt:      time.Now(),
		result:        make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.resolve(id, outcome{err: fmt.Errorf("%w after %v (command %s)",
			ErrCommandTimeout, c.opts.Timeout, cmd.Command)})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.timer.Stop()
		return Response{}, ErrClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	payload, err := json.Marshal(commandEnvelope{
		Commands:        []Command{cmd},
		CorrelationData: id,
	})
	if err != nil {
		c.remove(id)
		p.timer.Stop()
		return Response{}, fmt.Errorf("encoding command envelope: %w", err)
	}

	if err := c.broker.Publish(c.opts.CommandTopic, payload, c.opts.QoS, false); err != nil {
		// Publish-level transport errors fail the caller immediately rather
		// than letting the timeout fire.
		c.remove(id)
		p.timer.Stop()
		return Response{}, fmt.Errorf("%w: publishing command %s: %w", ErrTransport, cmd.Command, err)
	}

	select {
	case <-ctx.Done():
		c.remove(id)
		p.timer.Stop()
		return Response{}, fmt.Errorf("awaiting response to %s: %w", cmd.Command, ctx.Err())
	case out := <-p.result:
		return out.response, out.err
	}
}

// ensureConnected establishes the connection and response subscription
// lazily, collapsing concurrent attempts into one.
//
// Readiness means the transport is up AND the response-topic subscription is
// acknowledged. Resolving "connected" on the transport alone would let a
// command be published before the subscription is active, silently losing
// its response.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.ready() {
		return nil
	}

	_, err, _ := c.connect.Do("connect", func() (any, error) {
		// A waiter that queued behind the winning attempt sees the work
		// already done.
		if c.ready() {
			return nil, nil
		}

		if !c.broker.IsConnected() {
			if err := c.broker.Connect(ctx); err != nil {
				return nil, fmt.Errorf("%w: connecting: %w", ErrTransport, err)
			}
		}

		if err := c.broker.Subscribe(c.opts.ResponseTopic, c.opts.QoS, c.handleResponse); err != nil {
			return nil, fmt.Errorf("%w: subscribing to %s: %w", ErrTransport, c.opts.ResponseTopic, err)
		}

		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()

		c.log.Info("control channel connected",
			"response_topic", c.opts.ResponseTopic,
		)
		return nil, nil
	})
	return err
}

// ready reports whether the connection and response subscription are live.
func (c *Client) ready() bool {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	return subscribed && c.broker.IsConnected()
}

// handleResponse is invoked once per message on the response topic.
//
// Attribution order:
//  1. Response carries correlationData: resolve the matching pending command.
//  2. correlationData absent and exactly one command pending: attribute the
//     response to it (some broker versions omit correlation data on certain
//     error responses).
//  3. correlationData absent with multiple commands pending: the response
//     cannot be attributed and is dropped with a log line. This is an
//     accepted protocol limitation, not something to fix by guessing.
func (c *Client) handleResponse(_ string, payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Warn("dropping undecodable control response",
			"error", fmt.Errorf("%w: %w", ErrMalformedResponse, err),
		)
		return
	}

	id := env.CorrelationData
	if id == "" {
		var ok bool
		id, ok = c.soleOutstanding()
		if !ok {
			c.log.Warn("dropping unattributable control response",
				"pending", c.PendingCount(),
			)
			return
		}
		c.log.Debug("attributed correlation-less response to sole pending command",
			"correlation_id", id,
		)
	}

	c.resolve(id, outcomeFrom(env))
}

// outcomeFrom converts a response envelope into a caller outcome.
func outcomeFrom(env responseEnvelope) outcome {
	if len(env.Responses) == 0 {
		return outcome{err: fmt.Errorf("%w: empty responses array", ErrMalformedResponse)}
	}

	first := env.Responses[0]
	if first.Error != "" {
		return outcome{err: fmt.Errorf("%w: %s: %s", ErrCommandRejected, first.Command, first.Error)}
	}
	return outcome{response: first}
}

// soleOutstanding returns the correlation id of the only pending command, if
// exactly one is pending.
func (c *Client) soleOutstanding() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) != 1 {
		return "", false
	}
	for id := range c.pending {
		return id, true
	}
	return "", false
}

// resolve delivers an outcome to the pending command with the given id.
//
// The check-and-remove is atomic: whichever of the response handler or the
// timeout gets here first wins, and the loser finds no entry. Late responses
// after a timeout are logged and dropped.
func (c *Client) resolve(id string, out outcome) {
	p := c.remove(id)
	if p == nil {
		c.log.Debug("response for unknown or already-resolved command",
			"correlation_id", id,
		)
		return
	}

	p.timer.Stop()
	p.result <- out
}

// remove atomically removes and returns the pending entry for id, or nil.
func (c *Client) remove(id string) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// PendingCount returns the number of commands currently awaiting a response.
//
// This can be useful for monitoring and debugging.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails all outstanding commands and disconnects from the broker.
//
// Returns:
//   - error: If disconnecting the transport fails
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	remaining := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, p := range remaining {
		p.timer.Stop()
		p.result <- outcome{err: ErrClosed}
	}

	return c.broker.Close()
}

// newCorrelationID builds a correlation identifier from the current
// timestamp and a short random suffix. Uniqueness only needs to hold among
// concurrently outstanding commands.
func newCorrelationID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:correlationSuffixLen])
}
