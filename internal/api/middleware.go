package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dompet/backend/internal/identity"
	"github.com/dompet/backend/internal/metrics"
)

type requestIDKey struct{}

// RequestIDFrom returns the id stamped by the request id middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID stamps (or propagates) an X-Request-Id and binds it to the
// request logger.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withObservability logs one line per request and feeds the Prometheus
// collectors. Route class is the metric label, never the raw path, to keep
// cardinality bounded.
func (s *Server) withObservability(routeClass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(routeClass, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(routeClass).Observe(elapsed.Seconds())

		event := s.log.Info()
		if rec.status >= 500 {
			event = s.log.Error()
		}
		event.
			Str("request_id", RequestIDFrom(r.Context())).
			Str("route", routeClass).
			Str("method", r.Method).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// withDeadline bounds the request; the deadline propagates to every
// downstream call through the context.
func (s *Server) withDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth resolves the bearer token into the request scope.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := s.identity.Resolve(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithScope(r.Context(), scope)))
	})
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withGovernor applies the route class token bucket.
func (s *Server) withGovernor(routeClass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, _ := identity.ScopeFrom(r.Context())
		if err := s.governor.Check(r.Context(), routeClass, scope.UserID, remoteAddr(r)); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// chain builds the standard middleware stack for an authenticated route.
func (s *Server) chain(routeClass string, handler http.HandlerFunc) http.Handler {
	var h http.Handler = handler
	h = s.withGovernor(routeClass, h)
	h = s.withAuth(h)
	h = s.withDeadline(h)
	h = s.withObservability(routeClass, h)
	h = s.withRequestID(h)
	return h
}

// public builds the stack for unauthenticated routes.
func (s *Server) public(routeClass string, handler http.HandlerFunc) http.Handler {
	var h http.Handler = handler
	h = s.withDeadline(h)
	h = s.withObservability(routeClass, h)
	h = s.withRequestID(h)
	return h
}
