package hub

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/events"
	"github.com/quizwars/teambattle-backend/internal/notify"
	"github.com/quizwars/teambattle-backend/internal/roster"
	"github.com/quizwars/teambattle-backend/internal/session"
)

// Subscriber is one connected client: a buffered outbox plus the user and
// (optionally) the session it wants events for.
type Subscriber struct {
	UserID    int64
	SessionID string

	out  chan events.Event
	once sync.Once
}

func NewSubscriber(userID int64, sessionID string) *Subscriber {
	return &Subscriber{
		UserID:    userID,
		SessionID: sessionID,
		out:       make(chan events.Event, 16),
	}
}

// Events is closed when the subscriber is dropped or the hub shuts down.
func (s *Subscriber) Events() <-chan events.Event { return s.out }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.out) })
}

// Hub owns the session actors and the subscriber registry. The registry has
// its own locks: connect/disconnect churn is unrelated to roster mutation
// and must not contend with it.
type Hub struct {
	ctx      context.Context
	store    roster.Store
	notifier notify.Notifier
	clock    clockwork.Clock
	cfg      session.Config
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session

	subMu     sync.Mutex
	bySession map[string]map[*Subscriber]struct{}
	byUser    map[int64]map[*Subscriber]struct{}
}

func New(ctx context.Context, store roster.Store, notifier notify.Notifier, clock clockwork.Clock, cfg session.Config, log *zap.Logger) *Hub {
	return &Hub{
		ctx:       ctx,
		store:     store,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		log:       log.Named("hub"),
		sessions:  make(map[string]*session.Session),
		bySession: make(map[string]map[*Subscriber]struct{}),
		byUser:    make(map[int64]map[*Subscriber]struct{}),
	}
}

// Ensure returns the actor for a session, creating it lazily. Persisted
// state is picked up by the actor itself, so this also revives sessions
// after a process restart.
func (h *Hub) Ensure(sessionID string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[sessionID]; s != nil {
		return s
	}
	s := session.New(h.ctx, sessionID, session.Deps{
		Store:    h.store,
		Pub:      h,
		Notifier: h.notifier,
		Clock:    h.clock,
		Config:   h.cfg,
		Log:      h.log,
		OnEmpty:  h.remove,
	})
	h.sessions[sessionID] = s
	return s
}

func (h *Hub) remove(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

func (h *Hub) Subscribe(sub *Subscriber) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if sub.SessionID != "" {
		if h.bySession[sub.SessionID] == nil {
			h.bySession[sub.SessionID] = make(map[*Subscriber]struct{})
		}
		h.bySession[sub.SessionID][sub] = struct{}{}
	}
	if h.byUser[sub.UserID] == nil {
		h.byUser[sub.UserID] = make(map[*Subscriber]struct{})
	}
	h.byUser[sub.UserID][sub] = struct{}{}
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.subMu.Lock()
	h.detach(sub)
	h.subMu.Unlock()
	sub.close()
}

// detach removes registry entries; caller holds subMu.
func (h *Hub) detach(sub *Subscriber) {
	if set := h.bySession[sub.SessionID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.bySession, sub.SessionID)
		}
	}
	if set := h.byUser[sub.UserID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byUser, sub.UserID)
		}
	}
}

// ToSession delivers to every client subscribed to the session.
func (h *Hub) ToSession(sessionID string, ev events.Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.bySession[sessionID] {
		h.send(sub, ev)
	}
}

// ToUser delivers to every connection the user holds.
func (h *Hub) ToUser(userID int64, ev events.Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.byUser[userID] {
		h.send(sub, ev)
	}
}

// Deliver targets one connection, used for reconnect restore.
func (h *Hub) Deliver(sub *Subscriber, ev events.Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.send(sub, ev)
}

// send drops subscribers whose outbox is full. A slow client reconnects and
// recovers via team_state_restored; blocking the whole fan-out is worse.
func (h *Hub) send(sub *Subscriber, ev events.Event) {
	select {
	case sub.out <- ev:
	default:
		h.detach(sub)
		sub.close()
		h.log.Warn("dropped slow subscriber", zap.Int64("user_id", sub.UserID))
	}
}

func (h *Hub) Shutdown() {
	h.mu.Lock()
	for id, s := range h.sessions {
		s.Inbox() <- session.Shutdown{}
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	h.subMu.Lock()
	for _, set := range h.byUser {
		for sub := range set {
			sub.close()
		}
	}
	h.bySession = make(map[string]map[*Subscriber]struct{})
	h.byUser = make(map[int64]map[*Subscriber]struct{})
	h.subMu.Unlock()
}
