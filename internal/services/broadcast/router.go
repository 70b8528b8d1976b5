package broadcast

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mcoot/masquerade-go/internal/model"
)

// DefaultBufferSize is the outbound queue length of each subscriber
const DefaultBufferSize = 64

// Subscriber is the outbound queue of one connection
type Subscriber struct {
	id   model.ConnectionID
	send chan model.Event

	mu     sync.Mutex
	closed bool
}

// ID returns the connection the subscriber belongs to
func (s *Subscriber) ID() model.ConnectionID {
	return s.id
}

// Events is closed when the subscriber is detached or evicted
func (s *Subscriber) Events() <-chan model.Event {
	return s.send
}

// deliver enqueues without blocking. It returns false if the queue is full or closed.
func (s *Subscriber) deliver(e model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- e:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Router tracks session groups and fans events out to subscribers.
// Sends never block, so they are safe to call while holding a session lock;
// events enqueued for one subscriber keep their call order.
type Router struct {
	logger     *slog.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[model.ConnectionID]*Subscriber
	groups      map[model.SessionID]map[model.ConnectionID]struct{}
}

// New creates a Router. A non-positive bufferSize selects DefaultBufferSize.
func New(bufferSize int, logger *slog.Logger) *Router {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Router{
		logger:      logger.With(slog.String("component", "broadcast_router")),
		bufferSize:  bufferSize,
		subscribers: make(map[model.ConnectionID]*Subscriber),
		groups:      make(map[model.SessionID]map[model.ConnectionID]struct{}),
	}
}

// Attach creates the outbound queue for a connection
func (r *Router) Attach(id model.ConnectionID) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[id]; exists {
		return nil, model.ErrDuplicateConnection
	}
	sub := &Subscriber{id: id, send: make(chan model.Event, r.bufferSize)}
	r.subscribers[id] = sub
	return sub, nil
}

// Detach closes a connection's queue and removes it from every group
func (r *Router) Detach(id model.ConnectionID) {
	r.mu.Lock()
	sub, exists := r.subscribers[id]
	delete(r.subscribers, id)
	for sessionID, members := range r.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, sessionID)
		}
	}
	r.mu.Unlock()

	if exists {
		sub.close()
	}
}

// DetachAll closes every queue. Events already queued are still delivered
// before each queue reports closed.
func (r *Router) DetachAll() int {
	r.mu.Lock()
	subs := r.subscribers
	r.subscribers = make(map[model.ConnectionID]*Subscriber)
	r.groups = make(map[model.SessionID]map[model.ConnectionID]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return len(subs)
}

// AddToGroup adds a connection to a session's group
func (r *Router) AddToGroup(sessionID model.SessionID, id model.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[sessionID]
	if !exists {
		members = make(map[model.ConnectionID]struct{})
		r.groups[sessionID] = members
	}
	members[id] = struct{}{}
}

// RemoveFromGroup removes a connection from a session's group.
// An emptied group is forgotten; the session itself is not affected.
func (r *Router) RemoveFromGroup(sessionID model.SessionID, id model.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[sessionID]
	if !exists {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, sessionID)
	}
}

// DropGroup forgets a session's group entirely
func (r *Router) DropGroup(sessionID model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, sessionID)
}

// GroupMembers returns the members of a session's group, sorted
func (r *Router) GroupMembers(sessionID model.SessionID) []model.ConnectionID {
	r.mu.RLock()
	members := make([]model.ConnectionID, 0, len(r.groups[sessionID]))
	for id := range r.groups[sessionID] {
		members = append(members, id)
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// GroupSizes returns the member count of every group
func (r *Router) GroupSizes() map[model.SessionID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sizes := make(map[model.SessionID]int, len(r.groups))
	for sessionID, members := range r.groups {
		sizes[sessionID] = len(members)
	}
	return sizes
}

// SubscriberCount returns the number of attached connections
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// SendToGroup delivers to every current member of the group and returns how many accepted it
func (r *Router) SendToGroup(sessionID model.SessionID, e model.Event) int {
	r.mu.RLock()
	targets := make([]*Subscriber, 0, len(r.groups[sessionID]))
	for id := range r.groups[sessionID] {
		if sub, ok := r.subscribers[id]; ok {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	return r.fanOut(targets, e)
}

// SendToAll delivers to every attached connection
func (r *Router) SendToAll(e model.Event) int {
	r.mu.RLock()
	targets := make([]*Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	return r.fanOut(targets, e)
}

// SendToOne delivers to a single connection
func (r *Router) SendToOne(id model.ConnectionID, e model.Event) error {
	r.mu.RLock()
	sub, exists := r.subscribers[id]
	r.mu.RUnlock()

	if !exists {
		return model.ErrNotConnected
	}
	if r.fanOut([]*Subscriber{sub}, e) == 0 {
		return model.ErrNotConnected
	}
	return nil
}

// fanOut isolates failures per recipient: a subscriber that cannot keep up is
// evicted and the remaining recipients still get the event.
func (r *Router) fanOut(targets []*Subscriber, e model.Event) int {
	delivered := 0
	for _, sub := range targets {
		if sub.deliver(e) {
			delivered++
			continue
		}
		r.evict(sub, e.Name)
	}
	return delivered
}

// evict detaches a subscriber whose queue overflowed. Its transport sees the
// closed queue and drops the connection, so the client resyncs on reconnect
// instead of silently missing events.
func (r *Router) evict(sub *Subscriber, event model.EventName) {
	r.mu.Lock()
	current, exists := r.subscribers[sub.id]
	if exists && current == sub {
		delete(r.subscribers, sub.id)
		for sessionID, members := range r.groups {
			delete(members, sub.id)
			if len(members) == 0 {
				delete(r.groups, sessionID)
			}
		}
	}
	r.mu.Unlock()

	if exists && current == sub {
		r.logger.Warn("subscriber evicted - send buffer full",
			slog.String("connection_id", string(sub.id)),
			slog.String("event", string(event)),
		)
	}
	sub.close()
}
