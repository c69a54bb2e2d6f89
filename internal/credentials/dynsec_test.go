package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/trapline/credsync/internal/control"
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// brokerState is a stateful fake control plane: it applies commands to an
// in-memory credential set with the broker's semantics, so tests can assert
// end states rather than just command sequences.
type brokerState struct {
	mu      sync.Mutex
	clients map[string]string // username -> password
	calls   []string          // command names, in order

	// failNext maps a command name to an error injected on its next use.
	failNext map[string]error
}

func newBrokerState() *brokerState {
	return &brokerState{
		clients:  make(map[string]string),
		failNext: make(map[string]error),
	}
}

func (b *brokerState) Send(_ context.Context, cmd control.Command) (control.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, cmd.Command)

	if err, ok := b.failNext[cmd.Command]; ok {
		delete(b.failNext, cmd.Command)
		return control.Response{}, err
	}

	reject := func(msg string) (control.Response, error) {
		return control.Response{}, fmt.Errorf("%w: %s: %s", control.ErrCommandRejected, cmd.Command, msg)
	}

	switch cmd.Command {
	case control.CommandCreateClient:
		if _, exists := b.clients[cmd.Username]; exists {
			return reject("Client already exists")
		}
		b.clients[cmd.Username] = cmd.Password
	case control.CommandDeleteClient:
		if _, exists := b.clients[cmd.Username]; !exists {
			return reject("Client not found")
		}
		delete(b.clients, cmd.Username)
	case control.CommandSetClientPassword:
		if _, exists := b.clients[cmd.Username]; !exists {
			return reject("Client not found")
		}
		b.clients[cmd.Username] = cmd.Password
	case control.CommandGetClient:
		if _, exists := b.clients[cmd.Username]; !exists {
			return reject("Client not found")
		}
	case control.CommandListClients:
		names := make([]string, 0, len(b.clients))
		for name := range b.clients {
			names = append(names, name)
		}
		data, _ := json.Marshal(map[string]any{"totalCount": len(names), "clients": names})
		return control.Response{Command: cmd.Command, Data: data}, nil
	}

	return control.Response{Command: cmd.Command}, nil
}

func (b *brokerState) password(username string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw, ok := b.clients[username]
	return pw, ok
}

func (b *brokerState) commandLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestDynamicSecurity_AddDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a fresh credential", func(t *testing.T) {
		broker := newBrokerState()
		backend := NewDynamicSecurity(broker, "device", testLogger())

		if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}

		if pw, ok := broker.password("trap-01"); !ok || pw != "secret" {
			t.Errorf("credential = (%q, %v), want (secret, true)", pw, ok)
		}

		// Delete-before-create: the precondition delete fails on a fresh
		// broker and that failure must be discarded.
		calls := broker.commandLog()
		if len(calls) != 2 || calls[0] != control.CommandDeleteClient || calls[1] != control.CommandCreateClient {
			t.Errorf("command sequence = %v, want [deleteClient createClient]", calls)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		broker := newBrokerState()
		backend := NewDynamicSecurity(broker, "device", testLogger())

		if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
			t.Fatalf("first AddDevice() error = %v", err)
		}
		if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
			t.Fatalf("second AddDevice() error = %v", err)
		}

		if pw, ok := broker.password("trap-01"); !ok || pw != "secret" {
			t.Errorf("credential = (%q, %v) after double add, want (secret, true)", pw, ok)
		}
	})

	t.Run("surfaces create failure", func(t *testing.T) {
		broker := newBrokerState()
		broker.failNext[control.CommandCreateClient] = control.ErrCommandTimeout
		backend := NewDynamicSecurity(broker, "device", testLogger())

		err := backend.AddDevice(ctx, "trap-01", "secret")
		if !errors.Is(err, control.ErrCommandTimeout) {
			t.Errorf("AddDevice() error = %v, want ErrCommandTimeout", err)
		}
	})

	t.Run("assigns the fixed device role", func(t *testing.T) {
		var created control.Command
		sender := senderFunc(func(_ context.Context, cmd control.Command) (control.Response, error) {
			if cmd.Command == control.CommandCreateClient {
				created = cmd
			}
			return control.Response{}, nil
		})
		backend := NewDynamicSecurity(sender, "field-device", testLogger())

		if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		if len(created.Roles) != 1 || created.Roles[0].RoleName != "field-device" {
			t.Errorf("createClient roles = %v, want single field-device role", created.Roles)
		}
	})
}

func TestDynamicSecurity_RemoveDevice(t *testing.T) {
	ctx := context.Background()
	broker := newBrokerState()
	backend := NewDynamicSecurity(broker, "device", testLogger())

	if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := backend.RemoveDevice(ctx, "trap-01"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if _, ok := broker.password("trap-01"); ok {
		t.Error("credential still present after RemoveDevice()")
	}

	// Removing a missing device surfaces the rejection.
	if err := backend.RemoveDevice(ctx, "trap-01"); !errors.Is(err, control.ErrCommandRejected) {
		t.Errorf("RemoveDevice() on missing client error = %v, want ErrCommandRejected", err)
	}
}

func TestDynamicSecurity_UpdatePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates an existing credential", func(t *testing.T) {
		broker := newBrokerState()
		backend := NewDynamicSecurity(broker, "device", testLogger())

		if err := backend.AddDevice(ctx, "trap-01", "old"); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
		if err := backend.UpdatePassword(ctx, "trap-01", "new"); err != nil {
			t.Fatalf("UpdatePassword() error = %v", err)
		}
		if pw, _ := broker.password("trap-01"); pw != "new" {
			t.Errorf("password = %q after rotation, want new", pw)
		}
	})

	t.Run("creates on rotate when missing", func(t *testing.T) {
		broker := newBrokerState()
		backend := NewDynamicSecurity(broker, "device", testLogger())

		if err := backend.UpdatePassword(ctx, "trap-01", "new"); err != nil {
			t.Fatalf("UpdatePassword() on missing client error = %v, want self-healing create", err)
		}
		if pw, ok := broker.password("trap-01"); !ok || pw != "new" {
			t.Errorf("credential = (%q, %v) after rotate-create, want (new, true)", pw, ok)
		}
	})

	t.Run("surfaces non-not-found failures", func(t *testing.T) {
		broker := newBrokerState()
		broker.failNext[control.CommandSetClientPassword] = control.ErrCommandTimeout
		backend := NewDynamicSecurity(broker, "device", testLogger())

		err := backend.UpdatePassword(ctx, "trap-01", "new")
		if !errors.Is(err, control.ErrCommandTimeout) {
			t.Errorf("UpdatePassword() error = %v, want ErrCommandTimeout", err)
		}
	})
}

func TestDynamicSecurity_ClientExists(t *testing.T) {
	ctx := context.Background()
	broker := newBrokerState()
	backend := NewDynamicSecurity(broker, "device", testLogger())

	if backend.ClientExists(ctx, "trap-01") {
		t.Error("ClientExists() = true for unknown client")
	}

	if err := backend.AddDevice(ctx, "trap-01", "secret"); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if !backend.ClientExists(ctx, "trap-01") {
		t.Error("ClientExists() = false for existing client")
	}

	// A transport failure reads as "does not exist", never as an error.
	broker.failNext[control.CommandGetClient] = control.ErrTransport
	if backend.ClientExists(ctx, "trap-01") {
		t.Error("ClientExists() = true when the existence check failed")
	}
}

func TestDynamicSecurity_ListClients(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the broker roster", func(t *testing.T) {
		broker := newBrokerState()
		backend := NewDynamicSecurity(broker, "device", testLogger())

		for _, name := range []string{"trap-01", "trap-02"} {
			if err := backend.AddDevice(ctx, name, "secret"); err != nil {
				t.Fatalf("AddDevice(%s) error = %v", name, err)
			}
		}

		clients := backend.ListClients(ctx)
		if len(clients) != 2 {
			t.Errorf("ListClients() = %v, want 2 entries", clients)
		}
	})

	t.Run("returns empty on failure", func(t *testing.T) {
		broker := newBrokerState()
		broker.failNext[control.CommandListClients] = control.ErrCommandTimeout
		backend := NewDynamicSecurity(broker, "device", testLogger())

		if clients := backend.ListClients(ctx); len(clients) != 0 {
			t.Errorf("ListClients() = %v on failure, want empty", clients)
		}
	})
}

func TestDynamicSecurity_ApplyChangesIsNoOp(t *testing.T) {
	backend := NewDynamicSecurity(newBrokerState(), "device", testLogger())
	if err := backend.ApplyChanges(); err != nil {
		t.Errorf("ApplyChanges() error = %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// senderFunc adapts a function to the CommandSender interface.
type senderFunc func(ctx context.Context, cmd control.Command) (control.Response, error)

func (f senderFunc) Send(ctx context.Context, cmd control.Command) (control.Response, error) {
	return f(ctx, cmd)
}
