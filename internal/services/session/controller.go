package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/dependencies/random"
	"github.com/mcoot/masquerade-go/internal/model"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/scoring"
)

const (
	// SessionIDLength is the length of generated session ids
	SessionIDLength = 6
	// SessionIDAlphabet is the characters used in session ids (avoid confusing chars)
	SessionIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	maxIDAttempts = 100
)

// validSessionID bounds ids a client may auto-create
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// errEntryClosed means the session was torn down while the caller waited for its lock
var errEntryClosed = errors.New("session entry closed")

// SnapshotSink receives committed session snapshots. Implementations must not block.
type SnapshotSink interface {
	Save(session *model.Session)
	Delete(id model.SessionID)
}

type discardSnapshots struct{}

func (discardSnapshots) Save(*model.Session) {}
func (discardSnapshots) Delete(model.SessionID) {}

// entry is the single-writer cell of one session.
// Lock order: entry.mu may be held while taking Controller.mu, never the reverse.
type entry struct {
	mu      sync.Mutex
	session *model.Session
	closed  bool
}

// pendingKey identifies one held slot. A player id can hold slots in more
// than one session while older connections linger.
type pendingKey struct {
	playerID  model.PlayerID
	sessionID model.SessionID
}

type pendingRemoval struct {
	pendingKey
	seq   uint64
	timer clock.Timer
}

// Controller is the session registry and orchestrator. Every mutation of a
// session is serialized on that session's lock; different sessions never
// block each other.
type Controller struct {
	cfg         Config
	connections *connection.Registry
	router      *broadcast.Router
	snapshots   SnapshotSink
	hook        scoring.Hook
	clock       clock.Clock
	random      random.Random
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[model.SessionID]*entry
	order    []model.SessionID

	pendingMu  sync.Mutex
	pending    map[pendingKey]*pendingRemoval
	pendingSeq uint64
}

// NewController creates a Controller and subscribes it to connection disconnects
func NewController(
	cfg Config,
	connections *connection.Registry,
	router *broadcast.Router,
	snapshots SnapshotSink,
	hook scoring.Hook,
	clock clock.Clock,
	random random.Random,
	logger *slog.Logger,
) *Controller {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.JoinPolicy == "" {
		cfg.JoinPolicy = DefaultConfig().JoinPolicy
	}
	if cfg.MaxDrawingBytes <= 0 {
		cfg.MaxDrawingBytes = DefaultConfig().MaxDrawingBytes
	}
	if snapshots == nil {
		snapshots = discardSnapshots{}
	}
	if hook == nil {
		hook = scoring.Noop{}
	}

	c := &Controller{
		cfg:         cfg,
		connections: connections,
		router:      router,
		snapshots:   snapshots,
		hook:        hook,
		clock:       clock,
		random:      random,
		logger:      logger.With(slog.String("component", "session_controller")),
		sessions:    make(map[model.SessionID]*entry),
		pending:     make(map[pendingKey]*pendingRemoval),
	}
	connections.OnDisconnect(c.HandleDisconnect)
	return c
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// ListSessionIDs returns live session ids in creation order
func (c *Controller) ListSessionIDs(ctx context.Context) []model.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// ListSessions returns a summary of every live session in creation order
func (c *Controller) ListSessions(ctx context.Context) []model.SessionSummary {
	entries := c.entriesInOrder()

	summaries := make([]model.SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.closed {
			summaries = append(summaries, e.session.Summary())
		}
		e.mu.Unlock()
	}
	return summaries
}

// GetSession returns a copy of a live session
func (c *Controller) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	e, ok := c.lookupEntry(id)
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, model.ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// SessionCount returns the number of live sessions
func (c *Controller) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// CreateSession creates an empty session in the lobby phase. It stays alive
// until its last player leaves or it idles out.
func (c *Controller) CreateSession(ctx context.Context) (*model.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id model.SessionID
	for attempt := 0; ; attempt++ {
		if attempt >= maxIDAttempts {
			return nil, fmt.Errorf("generate session id: %w", model.ErrInternal)
		}
		id = model.SessionID(c.random.String(SessionIDLength, SessionIDAlphabet))
		if _, exists := c.sessions[id]; id != "" && !exists {
			break
		}
	}

	e := c.insertLocked(id)
	return e.session.Clone(), nil
}

// insertLocked registers a new entry. Caller holds c.mu.
func (c *Controller) insertLocked(id model.SessionID) *entry {
	e := &entry{session: model.NewSession(id, c.clock.Now())}
	c.sessions[id] = e
	c.order = append(c.order, id)
	c.snapshots.Save(e.session.Clone())

	c.logger.Info("session created", slog.String("session_id", string(id)))
	return e
}

func (c *Controller) lookupEntry(id model.SessionID) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sessions[id]
	return e, ok
}

func (c *Controller) entriesInOrder() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]*entry, 0, len(c.order))
	for _, id := range c.order {
		entries = append(entries, c.sessions[id])
	}
	return entries
}

func (c *Controller) removeEntry(id model.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// entryForJoin applies the join policy to unknown ids
func (c *Controller) entryForJoin(id model.SessionID) (*entry, error) {
	if e, ok := c.lookupEntry(id); ok {
		return e, nil
	}
	if c.cfg.JoinPolicy != JoinPolicyAutoCreate {
		return nil, model.ErrSessionNotFound
	}
	if !validSessionID.MatchString(string(id)) {
		return nil, model.ErrInvalidSessionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[id]; ok {
		return e, nil
	}
	return c.insertLocked(id), nil
}

// txn is a mutation in progress. The session is a private clone that only
// replaces the live one if the mutation succeeds; effects run after commit,
// in order, while the session lock is still held.
type txn struct {
	session   *model.Session
	now       time.Time
	effects   []func()
	unchanged bool // nothing to commit, but effects still run
	shrank    bool // a player was removed
}

func (tx *txn) effect(f func()) {
	tx.effects = append(tx.effects, f)
}

func (tx *txn) event(p model.Payload) model.Event {
	return model.NewEvent(tx.session.ID, tx.now, p)
}

// mutate runs fn as a single serialized transaction against the entry
func (c *Controller) mutate(e *entry, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errEntryClosed
	}

	tx := &txn{session: e.session.Clone(), now: c.clock.Now()}
	tx.session.Version++
	tx.session.LastActivityAt = tx.now

	err := c.guarded(e, func() error {
		if err := fn(tx); err != nil {
			return err
		}
		c.evaluateGuards(tx)
		return nil
	})
	if err != nil {
		return err
	}

	if !tx.unchanged {
		e.session = tx.session
		c.snapshots.Save(e.session.Clone())
	}

	err = c.guarded(e, func() error {
		for _, f := range tx.effects {
			f()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if tx.shrank && e.session.IsEmpty() {
		c.destroyLocked(e)
	}
	return nil
}

// guarded converts a panic into a teardown of the session, so a fault can
// never leave a half-applied session behind
func (c *Controller) guarded(e *entry, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session mutation panicked",
				slog.String("session_id", string(e.session.ID)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.teardownLocked(e, model.CloseReasonInternal)
			err = model.ErrInternal
		}
	}()
	return f()
}

// destroyLocked removes an entry whose roster emptied. Caller holds e.mu.
func (c *Controller) destroyLocked(e *entry) {
	id := e.session.ID
	e.closed = true
	c.router.DropGroup(id)
	c.removeEntry(id)
	c.snapshots.Delete(id)

	c.logger.Info("session destroyed", slog.String("session_id", string(id)))
}

// teardownLocked closes a session that may still have players. Caller holds e.mu.
func (c *Controller) teardownLocked(e *entry, reason model.CloseReason) {
	if e.closed {
		return
	}
	s := e.session
	e.closed = true

	c.router.SendToGroup(s.ID, model.NewEvent(s.ID, c.clock.Now(), model.SessionClosedPayload{Reason: reason}))
	for _, p := range s.Roster {
		c.connections.ClearSession(p.ConnectionID, s.ID)
		c.cancelPending(p.ID, s.ID)
	}
	c.router.DropGroup(s.ID)
	c.removeEntry(s.ID)
	c.snapshots.Delete(s.ID)

	c.logger.Warn("session torn down",
		slog.String("session_id", string(s.ID)),
		slog.String("reason", string(reason)),
		slog.Int("players", len(s.Roster)),
	)
}

// mutateAsPlayer runs fn against the session the connection belongs to
func (c *Controller) mutateAsPlayer(connID model.ConnectionID, fn func(tx *txn, player *model.Player) error) error {
	conn, err := c.connections.Lookup(connID)
	if err != nil {
		return err
	}
	if !conn.InSession() {
		return model.ErrNotInSession
	}
	e, ok := c.lookupEntry(conn.SessionID)
	if !ok {
		return model.ErrNotInSession
	}

	err = c.mutate(e, func(tx *txn) error {
		player := tx.session.PlayerByConnection(connID)
		if player == nil {
			return model.ErrNotInSession
		}
		return fn(tx, player)
	})
	if errors.Is(err, errEntryClosed) {
		return model.ErrNotInSession
	}
	return err
}

// mutateSession runs fn against a session by id
func (c *Controller) mutateSession(id model.SessionID, fn func(tx *txn) error) error {
	e, ok := c.lookupEntry(id)
	if !ok {
		return model.ErrSessionNotFound
	}
	err := c.mutate(e, fn)
	if errors.Is(err, errEntryClosed) {
		return model.ErrSessionNotFound
	}
	return err
}

// Effect helpers. Payloads are built when queued so they reflect the session
// at that point of the transaction.

func (c *Controller) toGroup(tx *txn, p model.Payload) {
	e := tx.event(p)
	tx.effect(func() {
		c.router.SendToGroup(e.SessionID, e)
	})
}

func (c *Controller) toOne(tx *txn, connID model.ConnectionID, p model.Payload) {
	e := tx.event(p)
	tx.effect(func() {
		_ = c.router.SendToOne(connID, e)
	})
}

func (c *Controller) rosterUpdated(tx *txn) {
	s := tx.session
	c.toGroup(tx, model.RosterUpdatedPayload{
		Names:      s.Names(),
		Players:    s.PlayerViews(),
		ReadyCount: s.ReadyCount(),
		Total:      len(s.Roster),
	})
}

func playerView(s *model.Session, p *model.Player) model.PlayerView {
	for _, v := range s.PlayerViews() {
		if v.ID == p.ID {
			return v
		}
	}
	return model.PlayerView{ID: p.ID, Name: p.Name}
}
