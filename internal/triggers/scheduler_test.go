package triggers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triggers.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCronScheduleFiresAndPersists(t *testing.T) {
	db := openTestDB(t)

	var mu sync.Mutex
	var runs []string
	done := make(chan struct{}, 1)

	run := func(ctx context.Context, dagName string) error {
		mu.Lock()
		runs = append(runs, dagName)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}

	s, err := NewScheduler(db, run)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ScheduleConfig{DAGName: "nightly-build", CronExpr: "* * * * * *", Enabled: true}
	if err := s.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("cron schedule never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) == 0 || runs[0] != "nightly-build" {
		t.Fatalf("got %v, want at least one run of nightly-build", runs)
	}

	schedules, err := s.ListSchedules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(schedules) != 1 || schedules[0].DAGName != "nightly-build" {
		t.Fatalf("got %v, want one persisted schedule", schedules)
	}
}

func TestEventTriggerRespectsFilterAndConcurrency(t *testing.T) {
	db := openTestDB(t)

	var mu sync.Mutex
	runCount := 0
	block := make(chan struct{})
	started := make(chan struct{}, 2)

	run := func(ctx context.Context, dagName string) error {
		started <- struct{}{}
		<-block
		mu.Lock()
		runCount++
		mu.Unlock()
		return nil
	}

	s, err := NewScheduler(db, run)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ScheduleConfig{
		DAGName:       "on-push",
		EventType:     "repo.push",
		Enabled:       true,
		MaxConcurrent: 1,
		EventFilter:   map[string]interface{}{"branch": "main"},
	}
	if err := s.AddSchedule(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	if err := s.TriggerEvent(context.Background(), "repo.push", map[string]interface{}{"branch": "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerEvent(context.Background(), "repo.push", map[string]interface{}{"branch": "main"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("matching event never triggered a run")
	}

	if err := s.TriggerEvent(context.Background(), "repo.push", map[string]interface{}{"branch": "main"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
		t.Fatal("second concurrent run should have been rejected by MaxConcurrent")
	case <-time.After(200 * time.Millisecond):
	}

	close(block)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runCount != 1 {
		t.Fatalf("got %d runs, want exactly 1 (branch=dev filtered, second main run throttled)", runCount)
	}
}
