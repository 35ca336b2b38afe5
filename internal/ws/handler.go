package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/events"
	"github.com/quizwars/teambattle-backend/internal/hub"
	"github.com/quizwars/teambattle-backend/internal/roster"
	"github.com/quizwars/teambattle-backend/internal/session"
)

// clientMessage is the little the client sends over the socket. Commands go
// over HTTP; the socket is for heartbeats and the explicit leaving signal.
type clientMessage struct {
	Type string `json:"type"` // "ping" | "leaving"
}

type Options struct {
	HeartbeatTimeout time.Duration
	OriginPatterns   []string
}

// Handler upgrades the connection, subscribes it to the hub and streams
// events until the client goes away.
//
// Disconnect semantics: an explicit {"type":"leaving"} message or a
// heartbeat timeout triggers roster repair (the member is removed, captains
// disband their team). A plain socket drop only unsubscribes, the client is
// expected to reconnect and pick up via team_state_restored.
func Handler(h *hub.Hub, store roster.Store, opts Options, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identityFrom(r)
		if !ok {
			http.Error(w, "missing identity", http.StatusBadRequest)
			return
		}
		sessionID := r.URL.Query().Get("session")

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		sub := hub.NewSubscriber(ident.UserID, sessionID)
		h.Subscribe(sub)
		defer h.Unsubscribe(sub)

		restore(r.Context(), h, store, sub, ident.UserID)

		// Writer goroutine: drains the subscriber outbox onto the socket.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range sub.Events() {
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
			conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		// Reader loop. The read deadline doubles as the heartbeat watchdog:
		// a client that sends nothing within the timeout is treated as gone
		// without a signal.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), opts.HeartbeatTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					log.Info("heartbeat timeout", zap.Int64("user_id", ident.UserID))
					memberGone(r.Context(), h, store, ident.UserID)
				}
				return
			}

			var cm clientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error","error":"bad json"}`))
				continue
			}
			switch cm.Type {
			case "ping":
				_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"pong"}`))
			case "leaving":
				memberGone(r.Context(), h, store, ident.UserID)
				return
			}
		}
	}
}

// restore emits team_state_restored for every team the user still belongs
// to, directly to this connection, so a reconnecting client needs no cached
// state.
func restore(ctx context.Context, h *hub.Hub, store roster.Store, sub *hub.Subscriber, userID int64) {
	teams, err := store.GetTeamsForUser(ctx, userID)
	if err != nil {
		return
	}
	seen := make(map[string]bool)
	for _, t := range teams {
		if seen[t.SessionID] {
			continue
		}
		seen[t.SessionID] = true
		sessionTeams, err := store.GetTeamsBySession(ctx, t.SessionID)
		if err != nil {
			continue
		}
		h.Deliver(sub, events.Event{
			Type:      events.TeamStateRestored,
			SessionID: t.SessionID,
			TeamID:    t.ID,
			Teams:     sessionTeams,
		})
	}
}

// memberGone routes the departure to the actor of every session the user is
// part of.
func memberGone(ctx context.Context, h *hub.Hub, store roster.Store, userID int64) {
	teams, err := store.GetTeamsForUser(ctx, userID)
	if err != nil {
		return
	}
	for _, t := range teams {
		sess := h.Ensure(t.SessionID)
		select {
		case sess.Inbox() <- session.MemberGone{UserID: userID}:
		case <-sess.Done():
		}
	}
}

func identityFrom(r *http.Request) (session.Identity, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		raw = r.Header.Get("X-User-ID")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return session.Identity{}, false
	}
	name := r.URL.Query().Get("username")
	if name == "" {
		name = r.Header.Get("X-User-Name")
	}
	return session.Identity{UserID: id, Username: name}, true
}
