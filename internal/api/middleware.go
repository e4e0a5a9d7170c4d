package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// slowRequest is the duration above which a request is logged as a warning.
const slowRequest = time.Second

type identityKey struct{}

// identityFrom returns the caller stored by authenticate.
func identityFrom(ctx context.Context) chat.Identity {
	id, _ := ctx.Value(identityKey{}).(chat.Identity)
	return id
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.FromRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status. It forwards Hijack so the
// WebSocket upgrade still works behind the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.status = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			h.logger.Error("request failed", attrs...)
		case elapsed > slowRequest && rec.status != http.StatusSwitchingProtocols:
			h.logger.Warn("slow request", attrs...)
		default:
			h.logger.Debug("request", attrs...)
		}
	})
}
