package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/lifecycle"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Required  string `json:"required,omitempty"`
	Available string `json:"available,omitempty"`
	Reference string `json:"reference,omitempty"`
	Partial   bool   `json:"partial,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) (int, errorBody) {
	var typed *escrow.Error
	if errors.As(err, &typed) {
		body := errorBody{
			Code:      string(typed.Kind),
			Currency:  typed.Currency,
			Required:  typed.Required,
			Available: typed.Available,
			Reference: typed.Reference,
		}
		switch typed.Kind {
		case escrow.KindInsufficientFunds:
			body.Error = "insufficient funds to lock the escrow"
			return http.StatusUnprocessableEntity, body
		case escrow.KindUserCancelled:
			body.Error = "transaction was not signed"
			return http.StatusConflict, body
		case escrow.KindUnknownOutcome:
			body.Error = "settlement pending, check back later"
			return http.StatusAccepted, body
		case escrow.KindPartialCompletion:
			body.Error = typed.Error()
			body.Partial = true
			return http.StatusInternalServerError, body
		case escrow.KindInvariant:
			body.Error = typed.Error()
			return http.StatusConflict, body
		case escrow.KindConfiguration:
			body.Error = "wallet does not support the selected network"
			return http.StatusNotImplemented, body
		default:
			body.Error = "settlement failed"
			return http.StatusBadGateway, body
		}
	}
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: err.Error(), Code: "forbidden"}
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	switch {
	case body.Partial:
		s.logger.Error("operation partially completed", slog.String("path", r.URL.Path), slog.String("reference", body.Reference), slog.String("error", err.Error()))
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
