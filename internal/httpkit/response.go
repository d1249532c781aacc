package httpkit

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

type ErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	var env ErrorEnvelope
	env.Error.Code = code
	env.Error.Message = msg
	env.Error.Details = details

	WriteJSON(w, status, env)
}

// WriteError renders err as the JSON error envelope. Internal errors are
// reported with a generic message and without details.
func WriteError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	var details map[string]any
	if code != apperrors.CodeInternal {
		details = apperrors.GetFields(err)
	}
	WriteErr(w, apperrors.GetHTTPStatus(err), string(code), apperrors.GetPublicMessage(err), details)
}
