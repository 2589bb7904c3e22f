package httpapi

import (
	"errors"
	"net/http"

	"github.com/eduquiz/duel-lobby-backend/internal/lobby"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
	"github.com/eduquiz/duel-lobby-backend/internal/registry"
	"github.com/eduquiz/duel-lobby-backend/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError maps the domain error taxonomy onto http statuses: validation
// -> 400, not found -> 404, conflicts -> 409, expiry -> 410.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, lobby.ErrInvalidShard),
		errors.Is(err, registry.ErrSelfChallenge):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrOpponentNotFound),
		errors.Is(err, registry.ErrOfferNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, presence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrOpponentBusy),
		errors.Is(err, registry.ErrDuplicatePending),
		errors.Is(err, registry.ErrNotChallenger),
		errors.Is(err, presence.ErrAlreadyBusy):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrOfferExpired):
		status = http.StatusGone
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
