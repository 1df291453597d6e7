// Package recorder wires the conversation recorder, the conversation stores
// and the eval exporter behind an HTTP API.
package recorder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/config"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/diagnostics"
	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/evalset"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/session"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
)

// App represents the recorder application
type App struct {
	Config   *config.Config
	Sessions session.Service
	Stores   *Stores
	Metrics  *diagnostics.Metrics

	gatherer *prometheus.Registry
	router   *mux.Router
	log      logr.Logger
}

// Stores holds the live and the saved conversation collections.
type Stores struct {
	Live  store.Store
	Saved store.Store
	close func() error
}

// Close releases the underlying storage.
func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores opens both collections for the configured driver.
func OpenStores(cfg config.StorageConfig) (*Stores, error) {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		db, err := store.OpenDB(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeDatabase, "failed to access database handle", err)
		}
		return &Stores{
			Live:  store.NewSQLStore(db, store.CollectionConversations),
			Saved: store.NewSQLStore(db, store.CollectionSaved),
			close: sqlDB.Close,
		}, nil

	case config.DriverFile, "":
		var result *multierror.Error
		live, err := store.NewDirStore(cfg.ConversationsDir)
		result = multierror.Append(result, err)
		saved, err := store.NewDirStore(cfg.SavedDir)
		result = multierror.Append(result, err)
		if err := result.ErrorOrNil(); err != nil {
			return nil, err
		}
		return &Stores{Live: live, Saved: saved}, nil

	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf("unknown storage driver %q", cfg.Driver), nil)
	}
}

// MemoryStores returns in-memory collections.
func MemoryStores() *Stores {
	return &Stores{
		Live:  store.NewFileStore(afero.NewMemMapFs()),
		Saved: store.NewFileStore(afero.NewMemMapFs()),
	}
}

// NewApp creates a new recorder application. When stores is nil the
// configured storage is opened.
func NewApp(cfg *config.Config, stores *Stores) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if stores == nil {
		var err error
		if stores, err = OpenStores(cfg.Storage); err != nil {
			return nil, err
		}
	}

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := &App{
		Config:   cfg,
		Stores:   stores,
		Metrics:  diagnostics.NewMetrics(gatherer),
		gatherer: gatherer,
		log:      ctrllog.Log.WithName("recorder-api"),
	}
	app.Sessions = session.NewRegistry(app.newRecorder)

	app.router = mux.NewRouter()
	app.setupRoutes()
	return app, nil
}

func (a *App) newRecorder() *session.Recorder {
	classifier := events.NewClassifier(
		events.WithThinkingToolName(a.Config.Classifier.ThinkingToolName),
		events.WithThinkingIDMarker(a.Config.Classifier.ThinkingIDMarker),
	)
	return session.NewRecorder(a.Stores.Live,
		session.WithClassifier(classifier),
		session.WithSink(a.Metrics),
		session.WithBufferSize(a.Config.Recorder.BufferSize),
	)
}

// ExportOptions returns the configured eval export options.
func (a *App) ExportOptions() evalset.Options {
	return evalset.Options{
		AppName: a.Config.Export.AppName,
		UserID:  a.Config.Export.UserID,
	}
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.router
}

// Build creates the HTTP server
func (a *App) Build(_ context.Context) (*http.Server, error) {
	server := &http.Server{
		Addr:         a.Config.Addr(),
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return server, nil
}

// Close releases the application's storage.
func (a *App) Close() error {
	return a.Stores.Close()
}

func (a *App) setupRoutes() {
	a.router.Use(a.withLogger)

	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := a.router.PathPrefix("/api").Subrouter()

	// Live recording
	api.HandleFunc("/sessions", a.handleOpenSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{threadId}/invocations", a.handleStartInvocation).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{threadId}/events", a.handleEvents).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{threadId}/save", a.handleSaveSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{threadId}/diagnostics", a.handleDiagnostics).Methods(http.MethodGet)
	api.HandleFunc("/runs", a.handleReplay).Methods(http.MethodPost)

	// Saved conversations
	api.HandleFunc("/conversations/save", a.handlePromote).Methods(http.MethodPost)
	api.HandleFunc("/conversations/saved", a.handleListSaved).Methods(http.MethodGet)
	api.HandleFunc("/conversations/saved/feedback", a.handleFeedback).Methods(http.MethodPost)
	api.HandleFunc("/conversations/saved/export", a.handleExportMany).Methods(http.MethodPost)
	api.HandleFunc("/conversations/saved/{id}", a.handleGetSaved).Methods(http.MethodGet)
	api.HandleFunc("/conversations/saved/{id}", a.handleDeleteSaved).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/saved/{id}/raw", a.handleGetRaw).Methods(http.MethodGet)
	api.HandleFunc("/conversations/saved/{id}/edit", a.handleEdit).Methods(http.MethodPut)
	api.HandleFunc("/conversations/saved/{id}/export", a.handleExport).Methods(http.MethodGet)
}

// withLogger attaches a request-scoped logger to the request context.
func (a *App) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := a.log.WithValues("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctrllog.IntoContext(r.Context(), log)))
	})
}
