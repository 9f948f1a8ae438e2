package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/rollcall/internal/attendance"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("rollcall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr, 2)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := s.EnsureSource(ctx, "vid_123", "/tmp/class.mp4"); err != nil {
		t.Fatalf("EnsureSource failed: %v", err)
	}

	alice1 := attendance.NewEvent("alice", "Alice", 0.91, 0.88, base, "vid_123")
	alice2 := attendance.NewEvent("alice", "Alice", 0.93, 0.9, base.Add(5*time.Second), "vid_123")
	bob := attendance.NewEvent("bob", "Bob", 0.75, 0.81, base.Add(2*time.Second), "vid_123")
	for _, e := range []attendance.Event{alice1, bob, alice2} {
		if err := s.SaveEvent(ctx, e); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	// Saving the same event again must not duplicate it
	if err := s.SaveEvent(ctx, alice1); err != nil {
		t.Fatalf("Duplicate SaveEvent failed: %v", err)
	}

	recent, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(recent))
	}
	if recent[0].ID != alice2.ID || recent[2].ID != alice1.ID {
		t.Errorf("Expected newest first, got %s then ... %s", recent[0].IdentityID, recent[2].IdentityID)
	}
	if !recent[0].Timestamp.Equal(alice2.Timestamp) {
		t.Errorf("Expected timestamp %v, got %v", alice2.Timestamp, recent[0].Timestamp)
	}
	if recent[1].Status != attendance.StatusPresent || recent[1].Source != "vid_123" {
		t.Errorf("Unexpected event fields: %+v", recent[1])
	}

	limited, err := s.ListRecent(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("Expected 1 event with limit 1, got %d (%v)", len(limited), err)
	}

	aliceEvents, err := s.ListByIdentity(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByIdentity failed: %v", err)
	}
	if len(aliceEvents) != 2 {
		t.Errorf("Expected 2 events for alice, got %d", len(aliceEvents))
	}

	summary, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if len(summary) != 2 || summary[0].IdentityID != "alice" || summary[0].Count != 2 {
		t.Fatalf("Unexpected summary: %+v", summary)
	}
	if !summary[0].FirstSeen.Equal(base) || !summary[0].LastSeen.Equal(base.Add(5*time.Second)) {
		t.Errorf("Unexpected first/last seen: %v / %v", summary[0].FirstSeen, summary[0].LastSeen)
	}

	// Re-scanning a source replaces its events
	if err := s.EnsureSource(ctx, "vid_123", "/tmp/class.mp4"); err != nil {
		t.Fatalf("EnsureSource (rescan) failed: %v", err)
	}
	recent, err = s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("Expected rescan to clear events, got %d", len(recent))
	}

	// Reset drops the tables; a new Store recreates them
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	s2, err := New(ctx, connStr, 2)
	if err != nil {
		t.Fatalf("Failed to reinitialize store: %v", err)
	}
	defer s2.Close()
	if events, err := s2.ListRecent(ctx, 10); err != nil || len(events) != 0 {
		t.Errorf("Expected empty store after reset, got %d (%v)", len(events), err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
