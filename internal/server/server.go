// Package server exposes the alert API over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/alert"
	"github.com/algotips/leadsdb/internal/auth"
	"github.com/algotips/leadsdb/internal/confirm"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/metrics"
	"github.com/algotips/leadsdb/internal/store"
	"github.com/algotips/leadsdb/internal/trigger"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Store    store.Store
	Alerts   *alert.Service
	Confirm  *confirm.Workflow
	SignIn   *auth.Service
	Sessions *auth.SessionManager
	Trigger  trigger.Runner

	// OnTrigger, if set, receives the report of every triggered run.
	OnTrigger func(ctx context.Context, r trigger.Report)

	// MailBreaker, if set, has its state reported by /health.
	MailBreaker interface{ BreakerState() mail.BreakerState }

	CORSOrigins      []string
	TriggerAllowlist []string
}

// Server routes API requests.
type Server struct {
	Deps
	allow []netip.Prefix
}

// New creates a Server. Allow-list entries are addresses or CIDR prefixes.
func New(d Deps) (*Server, error) {
	allow, err := parseAllowlist(d.TriggerAllowlist)
	if err != nil {
		return nil, err
	}
	return &Server{Deps: d, allow: allow}, nil
}

func parseAllowlist(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, eris.Wrapf(err, "server: trigger allow-list entry %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, eris.Wrapf(err, "server: trigger allow-list entry %q", e)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signin", s.handleSignIn)
		r.Get("/signout", s.handleSignOut)
		r.Get("/confirm", s.handleConfirm)
	})

	r.Route("/alert", func(r chi.Router) {
		r.Get("/delete", s.handleDeleteViaLink)
		r.Get("/unsubscribe", s.handleUnsubscribeViaLink)
		r.With(s.requireAllowlisted).Post("/trigger", s.handleTrigger)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/list", s.handleList)
			r.Post("/create", s.handleCreate)
			r.Get("/{id:[0-9]+}", s.handleGet)
			r.Put("/{id:[0-9]+}", s.handleUpdate)
			r.Delete("/{id:[0-9]+}", s.handleDelete)
			r.Get("/{id:[0-9]+}/resend-confirmation", s.handleResend)
			r.Get("/{id:[0-9]+}/history", s.handleHistory)
		})
	})
	return r
}

type ctxKey int

const userIDKey ctxKey = iota

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := s.Sessions.UserID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

func (s *Server) requireAllowlisted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(r.RemoteAddr) {
			zap.L().Warn("server: trigger refused", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		zap.L().Error("server: health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	body := healthBody{Status: "ok"}
	if s.MailBreaker != nil {
		state := s.MailBreaker.BreakerState()
		body.Mail = state.String()
		if state == mail.BreakerOpen {
			body.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}
