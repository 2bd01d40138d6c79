// Package registry implements the Communication Registry: an ordered set
// of providers, fanned out over an embedded, non-persistent, in-process
// NATS server rather than a bare observer slice (§4.7).
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

// MessageType enumerates the kinds of messages broadcast to providers.
type MessageType string

const (
	MessageLifecycle MessageType = "lifecycle"
	MessageChat      MessageType = "chat"
	MessageQuestion  MessageType = "question"
	MessageResult    MessageType = "result"
	MessageWarning   MessageType = "warning"
	MessageError     MessageType = "error"
	MessageToolUse   MessageType = "tool_use"
	MessageThinking  MessageType = "thinking"
)

// ChannelMessage is one message broadcast to providers.
type ChannelMessage struct {
	ChannelID string
	Type      MessageType
	Text      string
	Payload   map[string]any
}

// Provider is one fan-out destination: a desktop notifier, a chat bridge,
// a TUI, etc.
type Provider interface {
	Name() string
	Ready() bool
	// AcceptedTypes returns the set of message types this provider wants.
	// A nil/empty set means "accepts everything".
	AcceptedTypes() map[MessageType]struct{}
	Start() error
	Stop() error
	Send(ChannelMessage) error
	SetStatus(channelID, status string) error
	OnInbound(handler func(ChannelMessage))
}

func accepts(p Provider, t MessageType) bool {
	set := p.AcceptedTypes()
	if len(set) == 0 {
		return true
	}
	_, ok := set[t]
	return ok
}

// sendSubjectFor derives the NATS subject Broadcast publishes a provider's
// outbound ChannelMessage envelopes to.
func sendSubjectFor(name string) string {
	return "dispatchd.providers." + name + ".send"
}

// statusSubjectFor derives the NATS subject BroadcastStatus publishes a
// provider's status envelopes to.
func statusSubjectFor(name string) string {
	return "dispatchd.providers." + name + ".status"
}

// inboundSubjectFor derives the NATS subject a provider's own OnInbound
// handler republishes externally-received messages to, for anything else
// in the process that wants to subscribe to inbound traffic.
func inboundSubjectFor(name string) string {
	return "dispatchd.providers." + name + ".inbound"
}

// statusEnvelope is the wire format BroadcastStatus publishes.
type statusEnvelope struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"`
}

// Registry is the ordered set of registered providers, backed by an
// embedded NATS server for the actual fan-out. The server binds only a
// loopback, ephemeral port used for in-process pub/sub; it is never
// exposed as a network service the outside world can reach.
type Registry struct {
	mu    sync.Mutex
	order []string
	byName map[string]Provider

	ns   *natsserver.Server
	conn *nats.Conn
}

// New starts an embedded NATS server and a single publishing connection
// to it, returning a ready-to-register Registry.
func New() (*Registry, error) {
	opts := &natsserver.Options{
		Host:       "127.0.0.1",
		Port:       natsserver.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("registry: start embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("registry: embedded nats not ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("registry: connect to embedded nats: %w", err)
	}

	return &Registry{byName: map[string]Provider{}, ns: ns, conn: conn}, nil
}

// Close shuts down the publishing connection and the embedded server.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
	}
	if r.ns != nil {
		r.ns.Shutdown()
	}
}

// Register appends p, subscribing it to its own send and status subjects
// so Broadcast/BroadcastStatus reach it via the embedded NATS server
// rather than a direct method call. A duplicate name is a hard error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("registry: duplicate provider name %q", p.Name())
	}

	if _, err := r.conn.Subscribe(sendSubjectFor(p.Name()), func(msg *nats.Msg) {
		var cm ChannelMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			log.Printf("registry: provider %q: bad send envelope: %v", p.Name(), err)
			return
		}
		if err := p.Send(cm); err != nil {
			log.Printf("registry: provider %q send failed: %v", p.Name(), err)
		}
	}); err != nil {
		return fmt.Errorf("registry: subscribe %q send subject: %w", p.Name(), err)
	}

	if _, err := r.conn.Subscribe(statusSubjectFor(p.Name()), func(msg *nats.Msg) {
		var env statusEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("registry: provider %q: bad status envelope: %v", p.Name(), err)
			return
		}
		if err := p.SetStatus(env.ChannelID, env.Status); err != nil {
			log.Printf("registry: provider %q setStatus failed: %v", p.Name(), err)
		}
	}); err != nil {
		return fmt.Errorf("registry: subscribe %q status subject: %w", p.Name(), err)
	}

	// Providers that receive external input (a chat bridge's websocket, a
	// toast click callback) republish it onto their inbound subject rather
	// than calling back into registry internals directly.
	p.OnInbound(func(cm ChannelMessage) {
		data, err := json.Marshal(cm)
		if err != nil {
			log.Printf("registry: provider %q: marshal inbound: %v", p.Name(), err)
			return
		}
		if err := r.conn.Publish(inboundSubjectFor(p.Name()), data); err != nil {
			log.Printf("registry: provider %q: publish inbound: %v", p.Name(), err)
		}
	})

	r.byName[p.Name()] = p
	r.order = append(r.order, p.Name())
	return nil
}

// StartAll starts every provider best-effort: a failing provider is
// logged and the rest continue.
func (r *Registry) StartAll() {
	r.mu.Lock()
	order := append([]string{}, r.order...)
	r.mu.Unlock()

	for _, name := range order {
		r.mu.Lock()
		p := r.byName[name]
		r.mu.Unlock()
		if err := p.Start(); err != nil {
			log.Printf("registry: provider %q failed to start: %v", name, err)
		}
	}
}

// StopAll fires stops in reverse registration order; errors are
// swallowed.
func (r *Registry) StopAll() {
	r.mu.Lock()
	order := append([]string{}, r.order...)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		r.mu.Lock()
		p := r.byName[order[i]]
		r.mu.Unlock()
		_ = p.Stop()
	}
}

// Broadcast publishes msg to every provider that is ready and whose
// accepted-type set (if any) contains msg.Type, by publishing one JSON
// envelope per eligible provider onto its send subject; the provider's own
// subscription (registered in Register) is what actually calls p.Send.
func (r *Registry) Broadcast(msg ChannelMessage) {
	r.mu.Lock()
	order := append([]string{}, r.order...)
	r.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("registry: marshal broadcast: %v", err)
		return
	}

	for _, name := range order {
		r.mu.Lock()
		p := r.byName[name]
		r.mu.Unlock()
		if !p.Ready() || !accepts(p, msg.Type) {
			continue
		}
		if err := r.conn.Publish(sendSubjectFor(name), data); err != nil {
			log.Printf("registry: provider %q publish failed: %v", name, err)
		}
	}
	_ = r.conn.Flush()
}

// BroadcastStatus publishes a status envelope onto every ready provider's
// status subject; the provider's own subscription calls p.SetStatus.
func (r *Registry) BroadcastStatus(channelID, status string) {
	r.mu.Lock()
	order := append([]string{}, r.order...)
	r.mu.Unlock()

	data, err := json.Marshal(statusEnvelope{ChannelID: channelID, Status: status})
	if err != nil {
		log.Printf("registry: marshal status: %v", err)
		return
	}

	for _, name := range order {
		r.mu.Lock()
		p := r.byName[name]
		r.mu.Unlock()
		if !p.Ready() {
			continue
		}
		if err := r.conn.Publish(statusSubjectFor(name), data); err != nil {
			log.Printf("registry: provider %q publish failed: %v", name, err)
		}
	}
	_ = r.conn.Flush()
}

// Providers returns every registered provider's name, in registration
// order.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}
