package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"titlescrow/internal/idempotency"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// Keys are scoped to the signing caller; reusing one for a different request
// is a conflict. Requests without the header pass straight through.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			badRequest(w, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		scoped := idempotency.ScopedKey(caller, key)
		hash := idempotency.RequestHash(r.Method, r.URL.Path, body)

		if !s.inFlight.Acquire(scoped) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "request with this idempotency key is in progress", Code: "idempotency_in_progress"})
			return
		}
		defer s.inFlight.Release(scoped)

		existing, err := idempotency.Lookup(ctx, s.store, scoped, hash)
		if errors.Is(err, idempotency.ErrRequestMismatch) {
			writeError(w, err, nil)
			return
		}
		if err != nil {
			s.logger.Error("idempotency lookup failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "idempotency store unavailable", Code: "unavailable"})
			return
		}
		if existing != nil {
			s.metrics.incReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Gateway and server errors stay retryable.
		if rec.status >= http.StatusInternalServerError {
			return
		}
		now := s.nowFn()
		record := idempotency.Record{
			RequestHash: hash,
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, scoped, record); err != nil {
			s.logger.Error("idempotency save failed", "key", scoped, "error", err)
		}
	})
}

type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.wroteHeader = true
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
