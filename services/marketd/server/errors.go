package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nftmarket/native/marketplace"
)

const (
	kindInvalidRequest      = "InvalidRequest"
	kindIdempotencyConflict = "IdempotencyConflict"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an engine error onto an HTTP status code.
func statusFor(err error) int {
	switch marketplace.KindOf(err) {
	case marketplace.KindInvalidPrice, marketplace.KindInvalidContent,
		marketplace.KindFeeMismatch, marketplace.KindPaymentMismatch:
		return http.StatusBadRequest
	case marketplace.KindNotOwner, marketplace.KindUnauthorized:
		return http.StatusForbidden
	case marketplace.KindNotListed:
		if errors.Is(err, marketplace.ErrUnknownAsset) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case marketplace.KindAlreadySold:
		return http.StatusConflict
	case marketplace.KindPaymentFailed:
		return http.StatusPaymentRequired
	case marketplace.KindCustodyTransferFailed, marketplace.KindDisbursementFailed:
		return http.StatusBadGateway
	case marketplace.KindPaused, marketplace.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := string(marketplace.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("marketd: request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", kind),
			slog.Any("error", err))
	}
	writeError(w, status, kind, err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
