package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"nftmarket/services/marketd/audit"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
)

// idempotent executes a keyed request once per caller. Replays with the same
// request return the stored response; a different request under the same key
// is rejected with 409. Server errors are not stored so clients may retry.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "idempotency key too long")
			return
		}
		caller := "anonymous"
		if id, ok := s.caller(r); ok {
			caller = address(id)
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInvalidRequest, "read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := audit.Fingerprint(r.Method, r.URL.Path, body)

		slot := caller + "|" + key
		if !s.acquire(slot) {
			writeError(w, http.StatusConflict, kindIdempotencyConflict, "a request with this idempotency key is in progress")
			return
		}
		defer s.release(slot)

		record, found, err := s.audit.LookupIdempotency(r.Context(), key, caller)
		if err != nil {
			s.logger.Error("marketd: idempotency lookup failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "Storage", "idempotency lookup failed")
			return
		}
		if found {
			if record.RequestHash != hash {
				writeError(w, http.StatusConflict, kindIdempotencyConflict, "idempotency key reused with a different request")
				return
			}
			w.Header().Set(headerReplayed, "true")
			if record.Response != "" {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		err = s.audit.SaveIdempotency(r.Context(), &audit.IdempotencyKey{
			Key:         key,
			Caller:      caller,
			RequestHash: hash,
			RequestID:   uuid.NewString(),
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      recorder.status,
			Response:    recorder.buf.String(),
		})
		if err != nil {
			s.logger.Warn("marketd: persist idempotency record failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
	})
}

func (s *Server) acquire(slot string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[slot]; busy {
		return false
	}
	s.inflight[slot] = struct{}{}
	return true
}

func (s *Server) release(slot string) {
	s.inflightMu.Lock()
	delete(s.inflight, slot)
	s.inflightMu.Unlock()
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
