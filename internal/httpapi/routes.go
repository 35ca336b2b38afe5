package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/quizwars/teambattle-backend/internal/ws"
)

func SetupRoutes(a *API, wsOpts ws.Options) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(a.Hub, a.Store, wsOpts, a.Log))

	r.Group(func(r chi.Router) {
		r.Use(Identity)

		r.Post("/teams", a.CreateTeam)
		r.Get("/teams/available", a.ListAvailableTeams)
		r.Post("/teams/{id}/invitations", a.Invite)
		r.Post("/teams/{id}/join-requests", a.CreateJoinRequest)
		r.Post("/teams/{id}/ready", a.SetReady)
		r.Post("/teams/{id}/leave", a.LeaveTeam)
		r.Patch("/teams/{id}", a.RenameTeam)

		r.Post("/invitations/{id}/respond", a.RespondInvitation)
		r.Post("/join-requests/{id}/respond", a.RespondJoinRequest)
		r.Post("/join-requests/{id}/cancel", a.CancelJoinRequest)

		r.Get("/sessions/{id}/teams", a.ListSessionTeams)
		r.Get("/invitations", a.ListInvitations)
		r.Get("/join-requests", a.ListJoinRequests)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   wsOpts.OriginPatterns,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders:   []string{"Content-Type", "X-User-ID", "X-User-Name"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
