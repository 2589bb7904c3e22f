package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/eduquiz/duel-lobby-backend/internal/lobby"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
	"github.com/eduquiz/duel-lobby-backend/internal/registry"
	"github.com/eduquiz/duel-lobby-backend/internal/session"
)

type API struct {
	Router   *lobby.Router
	Registry *registry.Registry
	Sessions session.Store
	Log      *zap.Logger
}

type joinRequest struct {
	PlayerID       string  `json:"player_id"`
	Shard          int     `json:"shard"`
	DisplayName    string  `json:"display_name"`
	AvatarRef      string  `json:"avatar_ref"`
	Rating         float64 `json:"rating"`
	PreferredTopic string  `json:"preferred_topic"`
}

func (a *API) JoinLobby(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PlayerID == "" {
		writeBadRequest(w, "player_id is required")
		return
	}
	err := a.Router.Join(req.PlayerID, req.Shard, lobby.JoinMeta{
		DisplayName:    req.DisplayName,
		AvatarRef:      req.AvatarRef,
		Rating:         req.Rating,
		PreferredTopic: req.PreferredTopic,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type leaveRequest struct {
	PlayerID string `json:"player_id"`
}

func (a *API) LeaveLobby(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PlayerID == "" {
		writeBadRequest(w, "player_id is required")
		return
	}
	a.Router.Leave(req.PlayerID)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type heartbeatRequest struct {
	PlayerID string `json:"player_id"`
	Shard    int    `json:"shard"`
}

func (a *API) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PlayerID == "" {
		writeBadRequest(w, "player_id is required")
		return
	}
	if err := a.Router.Heartbeat(req.PlayerID, req.Shard); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (a *API) Members(w http.ResponseWriter, r *http.Request) {
	shard, err := strconv.Atoi(chi.URLParam(r, "shard"))
	if err != nil {
		writeBadRequest(w, "bad shard")
		return
	}
	members, err := a.Router.Members(shard)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Members []presence.Player `json:"members"`
	}{Members: members})
}

type challengeRequest struct {
	ChallengerID  string `json:"challenger_id"`
	OpponentID    string `json:"opponent_id"`
	Topic         string `json:"topic"` // empty means mixed
	QuestionCount int    `json:"question_count"`
}

func (a *API) SendChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChallengerID == "" || req.OpponentID == "" {
		writeBadRequest(w, "challenger_id and opponent_id are required")
		return
	}
	offer, err := a.Registry.CreateOffer(req.ChallengerID, req.OpponentID, req.Topic, req.QuestionCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (a *API) GetChallenge(w http.ResponseWriter, r *http.Request) {
	offer, err := a.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type respondRequest struct {
	OpponentID string `json:"opponent_id"`
	Accept     bool   `json:"accept"`
}

type respondResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
}

func (a *API) RespondToChallenge(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OpponentID == "" {
		writeBadRequest(w, "opponent_id is required")
		return
	}
	sessionID, err := a.Registry.Respond(r.Context(), chi.URLParam(r, "id"), req.OpponentID, req.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, respondResponse{Accepted: req.Accept, SessionID: sessionID})
}

type cancelRequest struct {
	ChallengerID string `json:"challenger_id"`
}

func (a *API) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChallengerID == "" {
		writeBadRequest(w, "challenger_id is required")
		return
	}
	if err := a.Registry.Cancel(chi.URLParam(r, "id"), req.ChallengerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// GetSession re-fetches a duel session by id. A client that accepted but
// dropped before the response arrived recovers its session here instead of
// re-accepting.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type okResponse struct {
	OK bool `json:"ok"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
