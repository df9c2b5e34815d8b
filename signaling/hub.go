package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// eventBuffer is the per-endpoint inbound channel depth. Hub delivery drops
// (with a warning) rather than blocks when a consumer falls this far behind.
const eventBuffer = 256

// Hub is an in-memory relay used by tests and local development. It routes
// events between endpoints the way a relay server would: live pushes,
// offline queues flushed on reconnect, join rosters, and presence fanout.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	keys      map[string][]byte
	queues    map[string][]RelayPush
	groups    map[string]map[string]bool
	salts     map[string]*SaltInfo
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		keys:      make(map[string][]byte),
		queues:    make(map[string][]RelayPush),
		groups:    make(map[string]map[string]bool),
		salts:     make(map[string]*SaltInfo),
	}
}

// SetSalt seeds an account salt record for LookupSalt.
func (h *Hub) SetSalt(username string, info *SaltInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.salts[username] = info
}

// Endpoint creates a relay client bound to the given uuid.
func (h *Hub) Endpoint(uuid string) *Endpoint {
	return &Endpoint{hub: h, uuid: uuid, events: make(chan Event, eventBuffer)}
}

// Endpoint is one party's view of the hub, implementing Relay.
type Endpoint struct {
	hub    *Hub
	uuid   string
	mu     sync.Mutex
	open   bool
	closed bool
	events chan Event
}

// Open registers the endpoint and flushes any messages queued while it was
// offline, replayed through the same inbound path as live pushes.
func (e *Endpoint) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrRelayClosed
	}
	e.open = true
	e.mu.Unlock()

	h := e.hub
	h.mu.Lock()
	h.endpoints[e.uuid] = e
	queued := h.queues[e.uuid]
	delete(h.queues, e.uuid)
	h.mu.Unlock()

	if len(queued) > 0 {
		e.deliver(QueueFlush{Payloads: queued})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Open",
		"uuid":     e.uuid,
		"queued":   len(queued),
	}).Debug("Hub endpoint opened")

	return nil
}

// Close unregisters the endpoint and closes its event channel.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.open = false
	e.mu.Unlock()

	h := e.hub
	h.mu.Lock()
	delete(h.endpoints, e.uuid)
	h.mu.Unlock()

	close(e.events)
	return nil
}

// Events implements Relay.
func (e *Endpoint) Events() <-chan Event {
	return e.events
}

// LookupSalt implements Relay against the hub's seeded records.
func (e *Endpoint) LookupSalt(ctx context.Context, username string) (*SaltInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ErrSaltNotFound
	default:
	}

	h := e.hub
	h.mu.Lock()
	info, ok := h.salts[username]
	h.mu.Unlock()
	if !ok {
		return nil, ErrSaltNotFound
	}
	return info, nil
}

// Send routes one outbound event through the hub.
func (e *Endpoint) Send(out Outbound) error {
	e.mu.Lock()
	if e.closed || !e.open {
		e.mu.Unlock()
		return ErrRelayClosed
	}
	e.mu.Unlock()

	h := e.hub
	switch ev := out.(type) {
	case RegisterMaster:
		h.mu.Lock()
		if len(ev.PublicKey) > 0 {
			h.keys[ev.UUID] = ev.PublicKey
		}
		peers := h.others(e.uuid)
		key := h.keys[ev.UUID]
		h.mu.Unlock()
		for _, p := range peers {
			p.deliver(PresenceUpdate{UUID: ev.UUID, Status: "online", PublicKey: key})
		}

	case RelayMessage:
		push := RelayPush{
			From:      e.uuid,
			To:        ev.To,
			Payload:   ev.Payload,
			Timestamp: time.Now(),
			MsgID:     ev.MsgID,
		}
		h.mu.Lock()
		target, online := h.endpoints[ev.To]
		if !online {
			h.queues[ev.To] = append(h.queues[ev.To], push)
		}
		h.mu.Unlock()
		if online {
			target.deliver(push)
		}

	case MsgAck:
		if target := h.endpoint(ev.To); target != nil {
			target.deliver(MsgAckPush{From: e.uuid, MsgID: ev.MsgID})
		}

	case Signal:
		ev.From = e.uuid
		if target := h.endpoint(ev.To); target != nil {
			target.deliver(ev)
		}

	case JoinCall:
		h.mu.Lock()
		group := h.groups[ev.GroupID]
		if group == nil {
			group = make(map[string]bool)
			h.groups[ev.GroupID] = group
		}
		roster := make([]string, 0, len(group))
		var members []*Endpoint
		for uuid := range group {
			roster = append(roster, uuid)
			if ep, ok := h.endpoints[uuid]; ok {
				members = append(members, ep)
			}
		}
		group[e.uuid] = true
		h.mu.Unlock()

		e.deliver(CallParticipants{GroupID: ev.GroupID, Participants: roster})
		for _, m := range members {
			m.deliver(CallUserJoined{UUID: e.uuid, GroupID: ev.GroupID})
		}

	case LeaveCall:
		h.mu.Lock()
		group := h.groups[ev.GroupID]
		delete(group, e.uuid)
		var members []*Endpoint
		for uuid := range group {
			if ep, ok := h.endpoints[uuid]; ok {
				members = append(members, ep)
			}
		}
		if len(group) == 0 {
			delete(h.groups, ev.GroupID)
		}
		h.mu.Unlock()
		for _, m := range members {
			m.deliver(CallUserLeft{UUID: e.uuid, GroupID: ev.GroupID})
		}
	}

	return nil
}

func (h *Hub) endpoint(uuid string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[uuid]
}

func (h *Hub) others(uuid string) []*Endpoint {
	out := make([]*Endpoint, 0, len(h.endpoints))
	for id, ep := range h.endpoints {
		if id != uuid {
			out = append(out, ep)
		}
	}
	return out
}

func (e *Endpoint) deliver(ev Event) {
	// Non-blocking send under the mutex so Close cannot slip between the
	// closed check and the send.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.deliver",
			"uuid":     e.uuid,
		}).Warn("Event buffer full, dropping event")
	}
}
