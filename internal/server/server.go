package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"ledger-engine/internal/audit"
	"ledger-engine/internal/config"
	"ledger-engine/internal/domain"
	apperrors "ledger-engine/internal/errors"
	"ledger-engine/internal/events"
	"ledger-engine/internal/handler"
	"ledger-engine/internal/importer"
	"ledger-engine/internal/reconcile"
	"ledger-engine/internal/repository"
	"ledger-engine/internal/repository/memory"
	"ledger-engine/internal/retry"
	"ledger-engine/internal/sequence"
	"ledger-engine/internal/service"
	"ledger-engine/migrations"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	publisher events.Publisher
	worker    *reconcile.Worker
	cancel    context.CancelFunc
	logger    *slog.Logger
	port      string

	// Exposed for ledgerctl, which drives the same wiring without HTTP.
	Ledger    *service.LedgerService
	Query     *service.QueryService
	Importer  *importer.Importer
	Reconcile *reconcile.Queue
}

// NewServer wires storage, services and routes. With the postgres backend
// it connects and applies pending migrations first.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{logger: logger}

	store, err := s.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.publisher = publisher

	policy := retry.Policy{
		MaxRetries:      cfg.RetryMax,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMaxInterval,
	}

	allocator := sequence.NewAllocator(store.Sequence(), policy, logger)
	auditLog := audit.NewLog(store, publisher, logger)

	accountService := service.NewAccountService(store, logger)
	partyService := service.NewPartyService(store, logger)
	queryService := service.NewQueryService(store, auditLog, cfg.Currency, logger)
	ledgerService := service.NewLedgerService(store, allocator, auditLog, service.LedgerOptions{
		AllowOverdraft: cfg.AllowOverdraft,
		Retry:          policy,
	}, logger)
	s.Ledger = ledgerService
	s.Query = queryService

	queue := reconcile.NewQueue(store.Reconciliation(), logger)
	s.Reconcile = queue
	s.Importer = importer.New(ledgerService, logger)
	if cfg.ReconcileInterval > 0 {
		s.worker = reconcile.NewWorker(queue, cfg.ReconcileInterval, logger)
	}

	accountHandler := handler.NewAccountHandler(accountService, queryService)
	partyHandler := handler.NewPartyHandler(partyService)
	operationHandler := handler.NewOperationHandler(ledgerService, queryService)
	bulkHandler := handler.NewBulkHandler(s.Importer, queryService)
	reconciliationHandler := handler.NewReconciliationHandler(queue)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts", accountHandler.ListAccounts).Methods("GET")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/balance", accountHandler.GetBalance).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/operations", accountHandler.ListOperations).Methods("GET")

	// Master data
	router.HandleFunc("/customers", partyHandler.CreateCustomer).Methods("POST")
	router.HandleFunc("/customers/{id}", partyHandler.GetCustomer).Methods("GET")
	router.HandleFunc("/suppliers", partyHandler.CreateSupplier).Methods("POST")
	router.HandleFunc("/suppliers/{id}", partyHandler.GetSupplier).Methods("GET")
	router.HandleFunc("/categories", partyHandler.CreateCategory).Methods("POST")

	// Operation routes. The literal paths are registered before {id}.
	router.HandleFunc("/operations", operationHandler.Submit).Methods("POST")
	router.HandleFunc("/operations", operationHandler.ListOperations).Methods("GET")
	router.HandleFunc("/operations/batch", bulkHandler.Batch).Methods("POST")
	router.HandleFunc("/operations/import", bulkHandler.Import).Methods("POST")
	router.HandleFunc("/operations/export", bulkHandler.Export).Methods("GET")
	router.HandleFunc("/operations/{id}", operationHandler.GetOperation).Methods("GET")
	router.HandleFunc("/operations/{id}/reversal", operationHandler.Reverse).Methods("POST")
	router.HandleFunc("/operations/{id}/receipt", operationHandler.Receipt).Methods("GET")
	router.HandleFunc("/kinds/{kind}/operations", operationHandler.ListByKind).Methods("GET")

	// Reconciliation
	router.HandleFunc("/reconciliation", reconciliationHandler.ListPending).Methods("GET")
	router.HandleFunc("/reconciliation/{id}/resolve", reconciliationHandler.Resolve).Methods("POST")

	router.HandleFunc("/health", s.health).Methods("GET")

	s.router = router
	return s, nil
}

func (s *Server) openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		s.logger.Warn("Using in-memory storage, data is lost on restart")
		return memory.NewStore(), nil
	case config.StoragePostgres, "":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	db, err := sql.Open("postgres", cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// the database may still be starting next to us
	connect := retry.Policy{MaxRetries: 10, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
	err = retry.Do(ctx, connect, func() error {
		if err := db.PingContext(ctx); err != nil {
			s.logger.Warn("Database not reachable yet", "error", err)
			return apperrors.ErrPersistence.WithDetails(err.Error())
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.logger.Info("Successfully connected to database")

	if err := migrations.Apply(ctx, db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s.db = db
	return repository.NewStore(db, s.logger), nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	var publishers events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		logger.Info("Publishing operation events to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		publishers = append(publishers, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	if cfg.JournalPath != "" {
		journal, err := events.OpenJournal(cfg.JournalPath)
		if err != nil {
			publishers.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		logger.Info("Appending operation events to journal", "path", cfg.JournalPath)
		publishers = append(publishers, journal)
	}

	switch len(publishers) {
	case 0:
		return events.Nop(), nil
	case 1:
		return publishers[0], nil
	}
	return publishers, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on port ("0" picks a free one) and serves in the background.
// It also starts the reconciliation worker.
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.worker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.worker.Start(ctx)
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests, then stops the worker and releases the
// publishers and the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
		s.worker.Wait()
	}
	if s.publisher != nil {
		if cerr := s.publisher.Close(); cerr != nil {
			s.logger.Error("Failed to close event publisher", "error", cerr)
		}
		s.publisher = nil
	}
	s.closeDB()
	return err
}

func (s *Server) closeDB() {
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(ctx context.Context, cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(ctx)
		return nil, "", err
	}

	return server, port, nil
}
