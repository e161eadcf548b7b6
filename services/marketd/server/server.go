package server

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"gigvault/observability"
	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/lifecycle"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
)

// Quoter prices a funding before the client commits to it.
type Quoter interface {
	Quote(ctx context.Context, usd *big.Rat, currency settlement.PaymentCurrency) (escrow.Quote, error)
}

// WalletFactory resolves the signing wallet of a client session.
type WalletFactory interface {
	ForSession(session string) (settlement.Wallet, error)
}

// SignerSessions binds remote signer sessions to wallets.
type SignerSessions struct {
	Signer *settlement.RemoteWallet
}

// ForSession returns the remote wallet bound to session.
func (s SignerSessions) ForSession(session string) (settlement.Wallet, error) {
	if s.Signer == nil {
		return nil, errors.New("signer not configured")
	}
	if strings.TrimSpace(session) == "" {
		return nil, errors.New("wallet session required")
	}
	return s.Signer.WithSession(session), nil
}

// Mounter registers unauthenticated routes such as the payee endpoints.
type Mounter interface {
	Mount(r chi.Router)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Machine *lifecycle.Machine
	Quoter  Quoter
	Wallets WalletFactory
	DB      *gorm.DB
	Auth    *Authenticator
	Limiter *RateLimiter
	Paywall Mounter
	Logger  *slog.Logger
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server exposes the marketplace API.
type Server struct {
	machine *lifecycle.Machine
	quoter  Quoter
	wallets WalletFactory
	db      *gorm.DB
	auth    *Authenticator
	limiter *RateLimiter
	paywall Mounter
	logger  *slog.Logger
	ready   func(ctx context.Context) error

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Machine == nil {
		return nil, errors.New("server: lifecycle machine required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		machine: cfg.Machine,
		quoter:  cfg.Quoter,
		wallets: cfg.Wallets,
		db:      cfg.DB,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		paywall: cfg.Paywall,
		logger:  logger,
		ready:   cfg.Ready,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "marketd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	if s.paywall != nil {
		s.paywall.Mount(r)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		if s.db != nil {
			api.Use(func(next http.Handler) http.Handler { return WithIdempotency(s.db, s.logger, next) })
		}

		api.Get("/quote", s.GetQuote)
		api.Get("/profile", s.GetProfile)
		api.Put("/profile", s.PutProfile)

		api.Get("/projects", s.ListProjects)
		api.With(RequireRole(models.RoleClient)).Post("/projects", s.CreateProject)
		api.Route("/projects/{projectID}", func(p chi.Router) {
			p.Get("/", s.GetProject)
			p.Get("/events", s.ListEvents)
			p.Post("/publish", s.PublishProject)
			p.Post("/cancel", s.CancelProject)
			p.Post("/kick-off", s.KickOff)
			p.Post("/complete", s.CompleteProject)
			p.Post("/dispute", s.DisputeProject)

			p.Get("/escrow", s.GetEscrow)
			p.Post("/escrow", s.FundEscrow)

			p.Get("/proposals", s.ListProposals)
			p.With(RequireRole(models.RoleFreelancer)).Post("/proposals", s.SubmitProposal)
			p.Post("/proposals/{proposalID}/accept", s.AcceptProposal)
			p.Post("/proposals/{proposalID}/reject", s.RejectProposal)

			p.Get("/submissions", s.ListSubmissions)
			p.With(RequireRole(models.RoleFreelancer)).Post("/submissions", s.SubmitWork)
			p.Post("/submissions/{submissionID}/review", s.ReviewWork)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		observability.ModuleMetrics().Observe("marketd", route, ww.Status(), time.Since(start))
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// Healthz reports liveness and dependency readiness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
