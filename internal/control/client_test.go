package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBroker implements Broker for tests. It records published envelopes and
// lets tests deliver responses through the subscribed handler.
type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	connectCalls int
	connectDelay time.Duration
	connectErr   error
	subscribeErr error
	publishErr   error
	handler      func(topic string, payload []byte)
	published    []commandEnvelope

	// autoRespond, when set, is invoked with each published envelope;
	// returning a payload delivers it through the response handler.
	autoRespond func(env commandEnvelope) []byte
}

func (f *fakeBroker) Connect(_ context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	delay := f.connectDelay
	err := f.connectErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) Subscribe(_ string, _ byte, handler func(topic string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handler = handler
	return nil
}

func (f *fakeBroker) Publish(_ string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}

	var env commandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("fake broker: bad envelope: %w", err)
	}
	f.published = append(f.published, env)
	respond := f.autoRespond
	handler := f.handler
	f.mu.Unlock()

	if respond != nil && handler != nil {
		if resp := respond(env); resp != nil {
			go handler("response", resp)
		}
	}
	return nil
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// deliver pushes a raw payload through the response handler.
func (f *fakeBroker) deliver(t *testing.T, payload []byte) {
	t.Helper()

	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		t.Fatal("deliver called before subscription")
	}
	handler("response", payload)
}

// lastEnvelope returns the most recently published command envelope.
func (f *fakeBroker) lastEnvelope(t *testing.T) commandEnvelope {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("no envelopes published")
	}
	return f.published[len(f.published)-1]
}

// successPayload builds a broker response echoing the given correlation id.
func successPayload(t *testing.T, correlationID string, data string) []byte {
	t.Helper()

	resp := Response{Command: "test"}
	if data != "" {
		resp.Data = json.RawMessage(data)
	}
	payload, err := json.Marshal(responseEnvelope{
		CorrelationData: correlationID,
		Responses:       []Response{resp},
	})
	if err != nil {
		t.Fatalf("marshalling response: %v", err)
	}
	return payload
}

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(broker *fakeBroker, timeout time.Duration) *Client {
	return NewClient(broker, Options{
		CommandTopic:  "$CONTROL/dynamic-security/v1",
		ResponseTopic: "$CONTROL/dynamic-security/v1/response",
		Timeout:       timeout,
		QoS:           1,
	}, testLogger())
}

func TestSend_ResolvesMatchingCorrelation(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, time.Second)
	ctx := context.Background()

	type result struct {
		resp Response
		err  error
	}

	// Two commands outstanding concurrently; each must receive its own
	// response even when responses arrive out of order.
	results := make([]chan result, 2)
	for i := range results {
		results[i] = make(chan result, 1)
		go func(ch chan result, username string) {
			resp, err := client.Send(ctx, GetClient(username))
			ch <- result{resp, err}
		}(results[i], fmt.Sprintf("device-%02d", i))
	}

	// Wait until both envelopes are published.
	waitFor(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.published) == 2
	})

	broker.mu.Lock()
	envs := append([]commandEnvelope(nil), broker.published...)
	broker.mu.Unlock()

	// Respond in reverse order, tagging each response with its command's
	// username so the test can check attribution.
	for i := len(envs) - 1; i >= 0; i-- {
		data := fmt.Sprintf(`{"client":{"username":%q}}`, envs[i].Commands[0].Username)
		broker.deliver(t, successPayload(t, envs[i].CorrelationData, data))
	}

	for i, ch := range results {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("Send() %d error = %v", i, res.err)
			}
			want := fmt.Sprintf("device-%02d", i)
			if string(res.resp.Data) == "" || !jsonContains(t, res.resp.Data, want) {
				t.Errorf("Send() %d resolved with wrong response: %s", i, res.resp.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Send() %d never resolved", i)
		}
	}

	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after resolution, want 0", got)
	}
}

func TestSend_MissingCorrelation_SinglePending(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), GetClient("device-01"))
		done <- err
	}()

	waitFor(t, func() bool { return client.PendingCount() == 1 })

	// No correlationData at all; with exactly one command pending the
	// response must still be attributed to it.
	broker.deliver(t, []byte(`{"responses":[{"command":"getClient"}]}`))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send() error = %v, want attribution to sole pending command", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() never resolved")
	}
}

func TestSend_MissingCorrelation_MultiplePending(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, 150*time.Millisecond)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := client.Send(ctx, GetClient(fmt.Sprintf("device-%02d", i)))
			errs <- err
		}(i)
	}

	waitFor(t, func() bool { return client.PendingCount() == 2 })

	// With two commands pending, a correlation-less response cannot be
	// attributed and must be dropped; both commands then time out.
	broker.deliver(t, []byte(`{"responses":[{"error":"some failure"}]}`))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrCommandTimeout) {
				t.Errorf("Send() error = %v, want ErrCommandTimeout", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Send() never resolved")
		}
	}

	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after timeouts, want 0", got)
	}
}

func TestSend_Timeout_NoLeak(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, 20*time.Millisecond)
	ctx := context.Background()

	// Many consecutive timeouts must not leave entries behind.
	for i := 0; i < 25; i++ {
		_, err := client.Send(ctx, GetClient("device-01"))
		if !errors.Is(err, ErrCommandTimeout) {
			t.Fatalf("Send() error = %v, want ErrCommandTimeout", err)
		}
	}

	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after repeated timeouts, want 0", got)
	}
}

func TestSend_PublishFailure(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, time.Second)

	// Connect succeeds, then publishing starts failing.
	if err := client.ensureConnected(context.Background()); err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	broker.mu.Lock()
	broker.publishErr = errors.New("connection reset")
	broker.mu.Unlock()

	start := time.Now()
	_, err := client.Send(context.Background(), DeleteClient("device-01"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Send() error = %v, want ErrTransport", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Send() took %v; publish failures must fail immediately, not wait for the timeout", elapsed)
	}
	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after publish failure, want 0", got)
	}
}

func TestSend_Rejected(t *testing.T) {
	broker := &fakeBroker{}
	broker.autoRespond = func(env commandEnvelope) []byte {
		payload, _ := json.Marshal(responseEnvelope{
			CorrelationData: env.CorrelationData,
			Responses: []Response{{
				Command: env.Commands[0].Command,
				Error:   "Client not found",
			}},
		})
		return payload
	}
	client := newTestClient(broker, time.Second)

	_, err := client.Send(context.Background(), SetClientPassword("device-01", "secret"))
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("Send() error = %v, want ErrCommandRejected", err)
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rejected not found", fmt.Errorf("%w: setClientPassword: Client not found", ErrCommandRejected), true},
		{"rejected other", fmt.Errorf("%w: createClient: Client already exists", ErrCommandRejected), false},
		{"timeout mentioning not found", fmt.Errorf("%w: not found", ErrCommandTimeout), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnsureConnected_SingleFlight(t *testing.T) {
	broker := &fakeBroker{connectDelay: 50 * time.Millisecond}
	broker.autoRespond = func(env commandEnvelope) []byte {
		return successPayloadRaw(env.CorrelationData)
	}
	client := newTestClient(broker, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Send(context.Background(), ListClients()); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()

	broker.mu.Lock()
	calls := broker.connectCalls
	broker.mu.Unlock()
	if calls != 1 {
		t.Errorf("Connect called %d times for concurrent first senders, want 1 (single-flight)", calls)
	}
}

func TestEnsureConnected_ConnectError(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("refused")}
	client := newTestClient(broker, time.Second)

	_, err := client.Send(context.Background(), ListClients())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Send() error = %v, want ErrTransport", err)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, GetClient("device-01"))
		done <- err
	}()

	waitFor(t, func() bool { return client.PendingCount() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Send() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() did not observe cancellation")
	}

	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after cancellation, want 0", got)
	}
}

func TestHandleResponse_Malformed(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, 100*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), GetClient("device-01"))
		done <- err
	}()

	waitFor(t, func() bool { return client.PendingCount() == 1 })

	// Garbage is dropped; the command must still time out cleanly.
	broker.deliver(t, []byte(`{not json`))

	err := <-done
	if !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("Send() error = %v, want ErrCommandTimeout after malformed response dropped", err)
	}
}

func TestHandleResponse_EmptyResponses(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), GetClient("device-01"))
		done <- err
	}()

	waitFor(t, func() bool { return client.PendingCount() == 1 })

	env := broker.lastEnvelope(t)
	payload, _ := json.Marshal(responseEnvelope{CorrelationData: env.CorrelationData})
	broker.deliver(t, payload)

	err := <-done
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Send() error = %v, want ErrMalformedResponse", err)
	}
}

func TestClose_FailsOutstanding(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestClient(broker, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), GetClient("device-01"))
		done <- err
	}()

	waitFor(t, func() bool { return client.PendingCount() == 1 })

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Send() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding Send() not failed by Close()")
	}

	if _, err := client.Send(context.Background(), ListClients()); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close() error = %v, want ErrClosed", err)
	}
}

func TestResponse_Clients(t *testing.T) {
	t.Run("decodes usernames", func(t *testing.T) {
		resp := Response{Data: json.RawMessage(`{"totalCount":2,"clients":["device-01","admin"]}`)}
		clients, err := resp.Clients()
		if err != nil {
			t.Fatalf("Clients() error = %v", err)
		}
		if len(clients) != 2 || clients[0] != "device-01" || clients[1] != "admin" {
			t.Errorf("Clients() = %v", clients)
		}
	})

	t.Run("missing data", func(t *testing.T) {
		_, err := Response{}.Clients()
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("Clients() error = %v, want ErrMalformedResponse", err)
		}
	})

	t.Run("bad data", func(t *testing.T) {
		_, err := Response{Data: json.RawMessage(`"oops"`)}.Clients()
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("Clients() error = %v, want ErrMalformedResponse", err)
		}
	})
}

func TestNewCorrelationID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newCorrelationID()
		if seen[id] {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = true
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

// successPayloadRaw builds a minimal success response without a testing.T.
func successPayloadRaw(correlationID string) []byte {
	payload, _ := json.Marshal(responseEnvelope{
		CorrelationData: correlationID,
		Responses:       []Response{{Command: "test", Data: json.RawMessage(`{"clients":[]}`)}},
	})
	return payload
}

// jsonContains reports whether raw JSON contains the given substring.
func jsonContains(t *testing.T, raw json.RawMessage, substr string) bool {
	t.Helper()
	return json.Valid(raw) && strings.Contains(string(raw), substr)
}
