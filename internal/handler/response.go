package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.ValidationError("Invalid request body").WithCause(err)
	}
	return nil
}
