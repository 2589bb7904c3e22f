package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eduquiz/duel-lobby-backend/internal/ws"
)

func SetupRoutes(a *API) http.Handler {
	r := chi.NewRouter()

	r.Post("/lobby/join", a.JoinLobby)
	r.Post("/lobby/leave", a.LeaveLobby)
	r.Post("/lobby/heartbeat", a.Heartbeat)
	r.Get("/lobby/{shard}/members", a.Members)

	r.Post("/challenges", a.SendChallenge)
	r.Get("/challenges/{id}", a.GetChallenge)
	r.Post("/challenges/{id}/respond", a.RespondToChallenge)
	r.Post("/challenges/{id}/cancel", a.CancelChallenge)

	r.Get("/sessions/{id}", a.GetSession)

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(a.Router, a.Log))
	return r
}
