package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRunStore_SaveAndGetRun(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := NewRunStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create RunStore: %v", err)
	}
	defer store.Close()

	// Record at run start
	run := &RunRecord{
		ID:        "run-123",
		StartedAt: time.Now().UTC(),
		Policy:    "strict",
		Hosts:     8,
		Sources:   []string{"payload.tar"},
		Template:  "deploy@%h:/srv/payload",
	}

	err = store.SaveRun(run)
	if err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	// Retrieve run
	retrieved, err := store.GetRun("run-123")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("Expected run ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Policy != run.Policy {
		t.Errorf("Expected run policy %s, got %s", run.Policy, retrieved.Policy)
	}
	if retrieved.Hosts != run.Hosts {
		t.Errorf("Expected %d hosts, got %d", run.Hosts, retrieved.Hosts)
	}
	if retrieved.Outcome != "" {
		t.Errorf("Expected empty outcome at start, got %s", retrieved.Outcome)
	}

	// Update at run completion
	run.FinishedAt = run.StartedAt.Add(30 * time.Second)
	run.Outcome = "ok"
	err = store.SaveRun(run)
	if err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}

	retrieved, err = store.GetRun("run-123")
	if err != nil {
		t.Fatalf("Failed to get updated run: %v", err)
	}

	if retrieved.Outcome != "ok" {
		t.Errorf("Expected outcome ok, got %s", retrieved.Outcome)
	}
	if !retrieved.FinishedAt.Equal(run.FinishedAt) {
		t.Errorf("Expected finished at %v, got %v", run.FinishedAt, retrieved.FinishedAt)
	}

	// Non-existent run
	_, err = store.GetRun("non-existent")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestRunStore_AppendAndListEvents(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_events.db")

	store, err := NewRunStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create RunStore: %v", err)
	}
	defer store.Close()

	err = store.SaveRun(&RunRecord{ID: "run-123", StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	appended := []EventRecord{
		{Depth: 0, Kind: "delivered", Host: "h1"},
		{Depth: 0, Kind: "failed", Host: "h2", Code: 1},
		{Depth: 1, Kind: "delivered", Host: "h3", Note: "substitute"},
	}
	for i := range appended {
		if err := store.AppendEvent("run-123", &appended[i]); err != nil {
			t.Fatalf("Failed to append event %d: %v", i, err)
		}
	}

	events, err := store.Events("run-123")
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != len(appended) {
		t.Fatalf("Expected %d events, got %d", len(appended), len(events))
	}
	for i, want := range appended {
		if events[i].Kind != want.Kind || events[i].Host != want.Host {
			t.Errorf("Expected event %d %s/%s, got %s/%s",
				i, want.Kind, want.Host, events[i].Kind, events[i].Host)
		}
		if events[i].Code != want.Code {
			t.Errorf("Expected event %d code %d, got %d", i, want.Code, events[i].Code)
		}
	}
}

func TestRunStore_EventsForRunWithoutEvents(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_empty.db")

	store, err := NewRunStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create RunStore: %v", err)
	}
	defer store.Close()

	err = store.SaveRun(&RunRecord{ID: "run-quiet", StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	events, err := store.Events("run-quiet")
	if err != nil {
		t.Fatalf("Failed to list events for eventless run: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}

	// Unknown run
	_, err = store.Events("non-existent")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestRunStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewRunStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create RunStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close RunStore: %v", err)
	}

	// Try to get a run on closed store
	_, err = store.GetRun("run-123")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
