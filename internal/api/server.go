// Package api is the HTTP surface of the orchestrator: routing, middleware
// and handlers over the core engines.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/benchmarks"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/executor"
	"github.com/dompet/backend/internal/governor"
	"github.com/dompet/backend/internal/insight"
	"github.com/dompet/backend/internal/planner"
)

// IdentityResolver verifies a bearer token into a request scope.
type IdentityResolver interface {
	Resolve(ctx context.Context, authorization string) (core.AuthenticatedUser, error)
}

// CustomerPreferences is the slice of the customer directory the
// preferences endpoints need.
type CustomerPreferences interface {
	GetByID(ctx context.Context, id string) (*core.Customer, error)
	UpdateMetadata(ctx context.Context, id string, metadata map[string]interface{}) error
}

// Pinger reports backing store liveness for the verbose health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransactionBatcher ingests CSV chunks.
type TransactionBatcher interface {
	InsertBatch(ctx context.Context, txs []core.Transaction) (int, error)
}

// InsightEngine covers the insight operations the handlers call.
type InsightEngine interface {
	ComputeAndStore(ctx context.Context, in insight.Input) (*core.MonthlyInsight, error)
	Get(ctx context.Context, userID, month string) (*core.MonthlyInsight, error)
	Latest(ctx context.Context, userID string) (*core.MonthlyInsight, error)
}

// Deps bundles everything the server serves.
type Deps struct {
	Identity   IdentityResolver
	Governor   *governor.Governor
	Planner    *planner.Planner
	Executor   *executor.Executor
	Insights   InsightEngine
	Batches    TransactionBatcher
	Customers  CustomerPreferences
	Benchmarks *benchmarks.Service
	Database   Pinger
	Redis      Pinger

	RequestDeadline  time.Duration
	MirrorLegacyPath bool
	Log              zerolog.Logger
}

// Server wires the deps into an http.Handler.
type Server struct {
	identity     IdentityResolver
	governor     *governor.Governor
	planner      *planner.Planner
	executor     *executor.Executor
	insights     InsightEngine
	batches      TransactionBatcher
	customers    CustomerPreferences
	benchmarks   *benchmarks.Service
	database     Pinger
	redis        Pinger
	deadline     time.Duration
	mirrorLegacy bool
	log          zerolog.Logger
	now          func() time.Time
}

// NewServer builds a Server.
func NewServer(deps Deps) *Server {
	deadline := deps.RequestDeadline
	if deadline == 0 {
		deadline = governor.DefaultDeadline
	}
	return &Server{
		identity:     deps.Identity,
		governor:     deps.Governor,
		planner:      deps.Planner,
		executor:     deps.Executor,
		insights:     deps.Insights,
		batches:      deps.Batches,
		customers:    deps.Customers,
		benchmarks:   deps.Benchmarks,
		database:     deps.Database,
		redis:        deps.Redis,
		deadline:     deadline,
		mirrorLegacy: deps.MirrorLegacyPath,
		log:          deps.Log.With().Str("component", "api").Logger(),
		now:          time.Now,
	}
}

// Router builds the route table. /v1 is authoritative; /api/v1 mirrors it
// for clients of the previous deployment when enabled.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, core.E(core.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.mount(root.PathPrefix("/v1").Subrouter())
	if s.mirrorLegacy {
		s.mount(root.PathPrefix("/api/v1").Subrouter())
	}
	return root
}

func (s *Server) mount(r *mux.Router) {
	r.Handle("/healthz", s.public("healthz", s.handleHealthz)).Methods(http.MethodGet)

	r.Handle("/chat", s.chain("chat", s.handleChat)).Methods(http.MethodPost)
	r.Handle("/insights", s.chain("insights", s.handleGetInsights)).Methods(http.MethodGet)
	r.Handle("/insights", s.chain("insights.compute", s.handleComputeInsights)).Methods(http.MethodPost)
	r.Handle("/score", s.chain("score", s.handleScore)).Methods(http.MethodGet)
	r.Handle("/simulate", s.chain("simulate", s.handleSimulate)).Methods(http.MethodPost)
	r.Handle("/upload-csv", s.chain("upload-csv", s.handleUploadCSV)).Methods(http.MethodPost)
	r.Handle("/benchmarks", s.chain("benchmarks", s.handleBenchmarks)).Methods(http.MethodGet)
	r.Handle("/leaderboard", s.chain("leaderboard", s.handleLeaderboard)).Methods(http.MethodGet)
	r.Handle("/preferences", s.chain("preferences", s.handleGetPreferences)).Methods(http.MethodGet)
	r.Handle("/preferences", s.chain("preferences", s.handleSetPreferences)).Methods(http.MethodPost)
}
