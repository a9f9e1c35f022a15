// Package server exposes the ledger over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Underflow0/kid-bank/internal/auth"
	"github.com/Underflow0/kid-bank/internal/ledger"
	"github.com/Underflow0/kid-bank/internal/logging"
	"github.com/Underflow0/kid-bank/internal/metrics"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Ledger is the set of ledger operations the handlers call.
type Ledger interface {
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	CreateAccount(ctx context.Context, req ledger.NewAccount) (*models.Account, error)
	UpdateProfile(ctx context.Context, userID string, update ledger.ProfileUpdate) (*models.Account, error)
	ListChildren(ctx context.Context, parentID string) ([]models.Account, error)
	ListTransactions(ctx context.Context, userID string, limit int, token string) (ledger.TransactionPage, error)
	AdjustBalance(ctx context.Context, req ledger.AdjustRequest) (*models.TransactionRecord, error)
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Ledger        Ledger
	Directory     auth.Directory
	Authenticator auth.Authenticator

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	Metrics metrics.Collector
	Logger  *logging.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// RequestTimeout bounds every authenticated request, storage calls included.
	RequestTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		RequestTimeout: 10 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

type Server struct {
	ledger    Ledger
	directory auth.Directory
	metrics   metrics.Collector
	logger    *logging.Logger
	config    ServerConfig
	router    *mux.Router
	server    *http.Server
}

func NewServer(deps Deps, config ServerConfig) *Server {
	s := &Server{
		ledger:    deps.Ledger,
		directory: deps.Directory,
		metrics:   metrics.OrNoOp(deps.Metrics),
		logger:    logging.OrGlobal(deps.Logger).Named("http"),
		config:    config,
	}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(auth.Middleware(deps.Authenticator, s.writeError), s.withTimeout)

	api.HandleFunc("/user", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/user", s.handleUpdateUser).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/children", s.handleCreateChild).Methods(http.MethodPost)
	api.HandleFunc("/children", s.handleListChildren).Methods(http.MethodGet)
	api.HandleFunc("/children/{childId}", s.handleChildSummary).Methods(http.MethodGet)
	api.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	api.HandleFunc("/adjust-balance", s.handleAdjustBalance).Methods(http.MethodPost)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("server listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}
