// Package worker defines the lifecycle contract shared by every dreambot
// frontend and backend, and the base type they embed.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cmsj/dreambot/internal/envelope"
)

// End says which side of the bus a worker sits on.
type End string

const (
	EndFrontend End = "frontend"
	EndBackend  End = "backend"
)

// Identity names a worker on the bus.
type Identity struct {
	Name    string // family, e.g. "irc", "gpt"
	Subname string // optional disambiguator, e.g. an IRC server host
	End     End
}

// Address returns the worker's bus subject: "end.name", with the subname
// appended when present (dots in the subname become underscores so they
// cannot be mistaken for subject tokens).
func (id Identity) Address() string {
	if id.Subname == "" {
		return fmt.Sprintf("%s.%s", id.End, id.Name)
	}
	return fmt.Sprintf("%s.%s.%s", id.End, id.Name, strings.ReplaceAll(id.Subname, ".", "_"))
}

// Queue returns the durable consumer and queue group name: the address with
// every dot replaced by an underscore.
func (id Identity) Queue() string {
	return strings.ReplaceAll(id.Address(), ".", "_")
}

// PublishFunc publishes an envelope on the bus. The bus manager injects one
// into every worker it owns; workers never hold the connection itself.
type PublishFunc func(ctx context.Context, env *envelope.Envelope) error

// Worker is the contract the bus manager drives.
type Worker interface {
	// Identity names the worker; the manager derives its subject and
	// durable consumer name from it.
	Identity() Identity

	// Booted reports whether the worker is ready to process envelopes.
	// The manager holds inbound messages while this is false.
	Booted() bool

	// Boot starts the worker's long-running resources and marks it booted
	// once every precondition holds. It may block for the worker's whole
	// lifetime (the IRC read loop lives inside Boot).
	Boot(ctx context.Context) error

	// Shutdown releases external resources and unblocks Boot. Idempotent.
	Shutdown()

	// Receive processes one inbound envelope. Returning (false, nil)
	// leaves the message unacked so the bus redelivers it later; a
	// non-nil error is logged by the manager and the message is acked
	// anyway so it cannot poison the queue.
	Receive(ctx context.Context, subject string, env *envelope.Envelope) (bool, error)

	// SetPublish hands the worker the manager's publish callback. Called
	// once, before Boot.
	SetPublish(fn PublishFunc)
}

// Base carries the state every worker shares. Embed it by pointer-receiver
// use and call Init from the constructor.
type Base struct {
	id      Identity
	booted  atomic.Bool
	publish PublishFunc
}

// Init sets the worker's identity. Call once from the constructor.
func (b *Base) Init(name, subname string, end End) {
	b.id = Identity{Name: name, Subname: subname, End: end}
}

// Identity returns the worker's identity.
func (b *Base) Identity() Identity { return b.id }

// Address returns the worker's bus subject.
func (b *Base) Address() string { return b.id.Address() }

// Booted reports readiness.
func (b *Base) Booted() bool { return b.booted.Load() }

// SetBooted flips the readiness flag.
func (b *Base) SetBooted(v bool) { b.booted.Store(v) }

// SetPublish stores the manager's publish callback.
func (b *Base) SetPublish(fn PublishFunc) { b.publish = fn }

// Send publishes an envelope. When the envelope is addressed back at this
// worker (a backend answering the request it just received), the to and
// reply-to fields are swapped so the reply returns to the originator.
func (b *Base) Send(ctx context.Context, env *envelope.Envelope) error {
	if env.To == b.id.Address() {
		env.To, env.ReplyTo = env.ReplyTo, env.To
	}
	if b.publish == nil {
		return fmt.Errorf("worker %s has no publish callback", b.id.Address())
	}
	return b.publish(ctx, env)
}
