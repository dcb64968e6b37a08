// Command buildgraphd is the long-running daemon: it accepts named
// graphs over HTTP, runs them through a walker.Walker on demand or on a
// trigger schedule, and serves health/status endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	"github.com/buildgraph/engine/internal/config"
	"github.com/buildgraph/engine/internal/fingerprint"
	"github.com/buildgraph/engine/internal/graphspec"
	"github.com/buildgraph/engine/internal/resilience"
	"github.com/buildgraph/engine/internal/telemetry"
	"github.com/buildgraph/engine/internal/triggers"
	"github.com/buildgraph/engine/internal/walker"
)

type graphStore struct {
	mu     sync.RWMutex
	graphs map[string]graphspec.Spec
}

func newGraphStore() *graphStore { return &graphStore{graphs: make(map[string]graphspec.Spec)} }

func (s *graphStore) put(spec graphspec.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[spec.Name] = spec
}

func (s *graphStore) get(name string) (graphspec.Spec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.graphs[name]
	return spec, ok
}

type runRequest struct {
	Graph string `json:"graph"`
}

type runResult struct {
	RunID    string            `json:"run_id"`
	Graph    string            `json:"graph"`
	Statuses map[string]string `json:"statuses"`
	Codes    map[string]int    `json:"codes"`
}

func openFingerprintStore(cfg config.StoreConfig) (fingerprint.Store, error) {
	meter := otel.Meter("buildgraph/fingerprint")
	switch cfg.Backend {
	case "bolt":
		return fingerprint.OpenBoltStore(cfg.Path, cfg.Bucket, meter)
	case "badger":
		return fingerprint.OpenBadgerStore(cfg.Path, meter)
	default:
		return fingerprint.NewMemStore(), nil
	}
}

func main() {
	component := "buildgraphd"
	var configPath, addr string
	flag.StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.Parse()

	logger := telemetry.InitLogging(component)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracing(ctx, component)
	shutdownMetrics := telemetry.InitMetrics(ctx, component)

	cfgWatcher, err := config.Load(configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		return
	}
	cfg := cfgWatcher.Current()

	fpStore, err := openFingerprintStore(cfg.Store)
	if err != nil {
		slog.Error("fingerprint store open failed", "error", err)
		return
	}
	defer fpStore.Close()

	graphs := newGraphStore()
	recorder := telemetry.NewRecorder()
	// Burst of 5, refilling at 1/s, capped at 60 per minute.
	runLimiter := resilience.NewRateLimiter(5, 1, time.Minute, 60)

	runGraph := func(ctx context.Context, name string) error {
		spec, ok := graphs.get(name)
		if !ok {
			return fmt.Errorf("graph %q not found", name)
		}
		_, err := runOnce(ctx, spec, fpStore, recorder, cfgWatcher)
		return err
	}

	db, err := bbolt.Open(cfg.Triggers.SchedulesDB, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		slog.Error("schedules db open failed", "error", err)
		return
	}
	defer db.Close()

	trig, err := triggers.NewScheduler(db, runGraph)
	if err != nil {
		slog.Error("trigger scheduler init failed", "error", err)
		return
	}
	if err := trig.RestoreSchedules(ctx); err != nil {
		slog.Warn("restoring schedules failed", "error", err)
	}
	trig.Start()
	defer trig.Stop(context.Background())

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		// Metrics themselves are pushed via OTLP (telemetry.InitMetrics);
		// this is a quick-inspection status summary, not a scrape target.
		current := cfgWatcher.Current()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queues":      current.Queues,
			"job_timeout": current.JobTimeout.String(),
		})
	})

	mux.HandleFunc("/v1/graphs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var spec graphspec.Spec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if spec.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if _, err := graphspec.BuildDAG(spec); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			graphs.put(spec)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(spec)
		case http.MethodGet:
			name := r.URL.Query().Get("name")
			spec, ok := graphs.get(name)
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(spec)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !runLimiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		spec, ok := graphs.get(req.Graph)
		if !ok {
			http.Error(w, "graph not found", http.StatusNotFound)
			return
		}
		result, err := runOnce(r.Context(), spec, fpStore, recorder, cfgWatcher)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("buildgraphd started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func runOnce(ctx context.Context, spec graphspec.Spec, fpStore fingerprint.Store, recorder *telemetry.Recorder, cfgWatcher *config.Watcher) (*runResult, error) {
	d, err := graphspec.BuildDAG(spec)
	if err != nil {
		return nil, err
	}

	cfg := cfgWatcher.Current()
	w := walker.New(d, fpStore, graphspec.ActionProvider{},
		walker.WithQueues(cfg.Queues),
		walker.WithJobTimeout(cfg.JobTimeout),
		walker.WithFingerprintFunc(graphspec.Fingerprint),
		walker.WithRecorder(recorder),
	)

	runCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout+time.Minute)
	defer cancel()
	if err := w.Run(runCtx); err != nil {
		return nil, err
	}

	result := &runResult{RunID: uuid.New().String(), Graph: spec.Name, Statuses: map[string]string{}, Codes: map[string]int{}}
	for _, v := range spec.Vertices {
		st := w.JobStatus(v.ID)
		result.Statuses[v.ID] = st.String()
		result.Codes[v.ID] = int(st)
	}
	return result, nil
}
