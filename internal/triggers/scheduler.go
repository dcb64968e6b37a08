// Package triggers decides *when* a DAG run happens without a human
// invoking the CLI: on a cron schedule, or in response to an external
// event. RunFunc re-invokes a walker.Walker run for a named DAG.
package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var bucketSchedules = []byte("schedules")

// RunFunc re-triggers a named DAG's run -- typically a closure over a
// walker.Walker constructor plus whatever loads the DAG by name.
type RunFunc func(ctx context.Context, dagName string) error

// ScheduleConfig defines when and how to re-run a DAG.
type ScheduleConfig struct {
	DAGName       string                 `json:"dag_name"`
	CronExpr      string                 `json:"cron_expr,omitempty"`  // "0 */5 * * * *" = every 5 minutes
	EventType     string                 `json:"event_type,omitempty"` // "nats.subject", "webhook.received"
	EventFilter   map[string]interface{} `json:"event_filter,omitempty"`
	Enabled       bool                   `json:"enabled"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"` // 0 = unlimited
	Timeout       time.Duration          `json:"timeout,omitempty"`
}

type eventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler owns a cron.Cron and a map of event-type handlers, and
// persists ScheduleConfig rows in the same bbolt database the
// fingerprint store uses, bucket "schedules".
type Scheduler struct {
	cron          *cron.Cron
	db            *bbolt.DB
	run           RunFunc
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewScheduler opens (creating if needed) the schedules bucket in db
// and returns a Scheduler that invokes run for each fired schedule.
func NewScheduler(db *bbolt.DB, run RunFunc) (*Scheduler, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSchedules)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schedules bucket: %w", err)
	}

	meter := otel.Meter("buildgraph/triggers")
	scheduleRuns, _ := meter.Int64Counter("buildgraph_trigger_runs_total")
	scheduleFails, _ := meter.Int64Counter("buildgraph_trigger_failures_total")
	eventTriggers, _ := meter.Int64Counter("buildgraph_trigger_events_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		db:            db,
		run:           run,
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("buildgraph/triggers"),
	}, nil
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("trigger scheduler started")
}

// Stop waits for running cron jobs to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("trigger scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("trigger scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers a cron- or event-based schedule and persists it.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "triggers.add_schedule",
		trace.WithAttributes(attribute.String("dag", cfg.DAGName), attribute.String("cron", cfg.CronExpr)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.fire(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		slog.Info("cron schedule added", "dag", cfg.DAGName, "cron", cfg.CronExpr, "entry_id", entryID)
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
		slog.Info("event trigger added", "dag", cfg.DAGName, "event_type", cfg.EventType)
	default:
		return fmt.Errorf("schedule for %s needs either cron_expr or event_type", cfg.DAGName)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.DAGName), data)
	})
}

// RemoveSchedule drops every event handler entry and the persisted row
// for dagName. It does not unregister cron entries: AddSchedule does not
// keep their entry IDs, so a removed cron schedule keeps firing until the
// process restarts and RestoreSchedules re-reads the persisted rows.
func (s *Scheduler) RemoveSchedule(ctx context.Context, dagName string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		kept := h.schedules[:0]
		for _, sched := range h.schedules {
			if sched.DAGName != dagName {
				kept = append(kept, sched)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(dagName))
	}); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	slog.Info("schedule removed", "dag", dagName)
	return nil
}

// ListSchedules returns every persisted schedule, regardless of whether
// it is currently registered in memory.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	var out []*ScheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(_, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil // skip invalid entries
			}
			out = append(out, &cfg)
			return nil
		})
	})
	return out, err
}

// TriggerEvent runs every enabled, filter-matching schedule registered
// for eventType, bounded by each schedule's MaxConcurrent and Timeout.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) error {
	ctx, span := s.tracer.Start(ctx, "triggers.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, cfg := range h.schedules {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}

		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("max concurrent triggered runs reached", "dag", cfg.DAGName, "max", cfg.MaxConcurrent)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			runCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
				defer cancel()
			}
			s.fire(runCtx, cfg)
		}(cfg)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "triggers.fire", trace.WithAttributes(attribute.String("dag", cfg.DAGName)))
	defer span.End()

	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("dag", cfg.DAGName))

	if err := s.run(ctx, cfg.DAGName); err != nil {
		slog.Error("triggered run failed", "dag", cfg.DAGName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, attrs)
		return
	}

	s.scheduleRuns.Add(ctx, 1, attrs)
	slog.Info("triggered run completed", "dag", cfg.DAGName, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(cfg *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		h = &eventHandler{}
		s.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

func matchesFilter(eventData, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// RestoreSchedules re-registers every enabled persisted schedule,
// intended to be called once at daemon startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			slog.Error("failed to restore schedule", "dag", cfg.DAGName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
