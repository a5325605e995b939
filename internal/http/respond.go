package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/launchpad/internal/domain"
)

type errorBody struct {
	Error       string `json:"error"`
	Detail      string `json:"detail,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a categorised error.
func writeError(w http.ResponseWriter, status int, kind domain.Kind, detail string) {
	writeJSON(w, status, errorBody{Error: string(kind), Detail: detail})
}

// writeDomainError maps err onto a status code and a body that never carries
// wrapped causes such as remote command output.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	body := errorBody{Error: string(kind), FailedStage: domain.StageOf(err)}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Detail = de.Detail
	}
	if body.Detail == "" {
		body.Detail = http.StatusText(statusFor(kind))
	}
	writeJSON(w, statusFor(kind), body)
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindFetch, domain.KindUnknownStack:
		return http.StatusUnprocessableEntity
	case domain.KindRemoteExec, domain.KindVerification:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
