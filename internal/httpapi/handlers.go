package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/hub"
	"github.com/quizwars/teambattle-backend/internal/roster"
	"github.com/quizwars/teambattle-backend/internal/session"
)

// API is the command/query surface. Commands are forwarded to the owning
// session actor and the typed reply is mapped onto HTTP; queries read the
// store directly.
type API struct {
	Hub   *hub.Hub
	Store roster.Store
	Clock clockwork.Clock
	Log   *zap.Logger
}

type ctxKey int

const identityKey ctxKey = 0

// Identity pulls the acting user from trusted headers set by the upstream
// auth layer.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		ident := session.Identity{UserID: id, Username: r.Header.Get("X-User-Name")}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

func identityOf(r *http.Request) session.Identity {
	ident, _ := r.Context().Value(identityKey).(session.Identity)
	return ident
}

// ask forwards one command to the session actor and waits for the typed
// reply. An actor whose last team disbanded between routing and delivery
// never drains its inbox again, so both the send and the wait select against
// Done and such commands fail with ErrNotFound instead of hanging.
func ask[R any](s *session.Session, msg session.Msg, reply chan R, dead R) R {
	select {
	case s.Inbox() <- msg:
	case <-s.Done():
		return dead
	}
	select {
	case res := <-reply:
		return res
	case <-s.Done():
		// the actor may have answered just before exiting
		select {
		case res := <-reply:
			return res
		default:
			return dead
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto HTTP. Every rejection carries the
// reason, races are expected and frequent during formation and clients need
// to know whether to retry.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, roster.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, roster.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, roster.ErrCapacityExceeded),
		errors.Is(err, roster.ErrSlotAlreadyFilled),
		errors.Is(err, roster.ErrAlreadyPending),
		errors.Is(err, roster.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, roster.ErrExpired):
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || body.Name == "" {
		http.Error(w, "session_id and name are required", http.StatusBadRequest)
		return
	}
	reply := make(chan session.TeamReply, 1)
	res := ask(a.Hub.Ensure(body.SessionID), session.CreateTeam{
		Actor: identityOf(r), Name: body.Name, Reply: reply,
	}, reply, session.TeamReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Team)
}

func (a *API) Invite(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "id")
	var body struct {
		InviteeID   int64  `json:"invitee_id"`
		InviteeName string `json:"invitee_name"`
		Kind        string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.InviteeID <= 0 {
		http.Error(w, "invitee_id is required", http.StatusBadRequest)
		return
	}
	kind := roster.InvitationKind(body.Kind)
	if kind != roster.InviteOpponent && kind != roster.InviteTeammate {
		http.Error(w, "kind must be opponent or teammate", http.StatusBadRequest)
		return
	}
	team, err := a.Store.GetTeam(r.Context(), teamID)
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.InvitationReply, 1)
	res := ask(a.Hub.Ensure(team.SessionID), session.Invite{
		Actor: identityOf(r), TeamID: teamID,
		InviteeID: body.InviteeID, InviteeName: body.InviteeName,
		Kind: kind, Reply: reply,
	}, reply, session.InvitationReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Invitation)
}

func (a *API) RespondInvitation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accept   bool   `json:"accept"`
		TeamName string `json:"team_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	inv, err := a.Store.GetInvitation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.TeamReply, 1)
	res := ask(a.Hub.Ensure(inv.SessionID), session.RespondInvitation{
		Actor: identityOf(r), InvitationID: inv.ID,
		Accept: body.Accept, TeamName: body.TeamName, Reply: reply,
	}, reply, session.TeamReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	if res.Team == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
		return
	}
	writeJSON(w, http.StatusOK, res.Team)
}

func (a *API) CreateJoinRequest(w http.ResponseWriter, r *http.Request) {
	team, err := a.Store.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.RequestReply, 1)
	res := ask(a.Hub.Ensure(team.SessionID), session.RequestJoin{
		Actor: identityOf(r), TeamID: team.ID, Reply: reply,
	}, reply, session.RequestReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Request)
}

func (a *API) RespondJoinRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req, err := a.Store.GetJoinRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.RequestReply, 1)
	res := ask(a.Hub.Ensure(req.SessionID), session.RespondJoinRequest{
		Actor: identityOf(r), RequestID: req.ID, Accept: body.Accept, Reply: reply,
	}, reply, session.RequestReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Request)
}

func (a *API) CancelJoinRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.Store.GetJoinRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.RequestReply, 1)
	res := ask(a.Hub.Ensure(req.SessionID), session.CancelJoinRequest{
		Actor: identityOf(r), RequestID: req.ID, Reply: reply,
	}, reply, session.RequestReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Request)
}

func (a *API) SetReady(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	team, err := a.Store.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan error, 1)
	if err := ask(a.Hub.Ensure(team.SessionID), session.SetReady{
		Actor: identityOf(r), TeamID: team.ID, Ready: body.Ready, Reply: reply,
	}, reply, error(roster.ErrNotFound)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": body.Ready})
}

func (a *API) LeaveTeam(w http.ResponseWriter, r *http.Request) {
	team, err := a.Store.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan error, 1)
	if err := ask(a.Hub.Ensure(team.SessionID), session.LeaveTeam{
		Actor: identityOf(r), Reply: reply,
	}, reply, error(roster.ErrNotFound)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RenameTeam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	team, err := a.Store.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reply := make(chan session.TeamReply, 1)
	res := ask(a.Hub.Ensure(team.SessionID), session.RenameTeam{
		Actor: identityOf(r), TeamID: team.ID, Name: body.Name, Reply: reply,
	}, reply, session.TeamReply{Err: roster.ErrNotFound})
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Team)
}

func (a *API) ListSessionTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := a.Store.GetTeamsBySession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (a *API) ListAvailableTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := a.Store.ListAvailableTeams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

// ListInvitations returns the caller's pending invitations. Expiry is
// evaluated lazily here, the sweep flips the rows shortly after.
func (a *API) ListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := a.Store.ListInvitationsForUser(r.Context(), identityOf(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := a.Clock.Now()
	live := invs[:0]
	for _, inv := range invs {
		if !inv.ExpiredAt(now) {
			live = append(live, inv)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

func (a *API) ListJoinRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := a.Store.ListJoinRequestsForCaptain(r.Context(), identityOf(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	now := a.Clock.Now()
	live := reqs[:0]
	for _, req := range reqs {
		if !req.ExpiredAt(now) {
			live = append(live, req)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
