package attendance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCooldown(t *testing.T) {
	c := NewCooldown(DefaultCooldown)

	assert.True(t, c.ShouldMark("S1", t0), "first sighting")
	assert.False(t, c.ShouldMark("S1", t0.Add(time.Second)), "inside window")
	assert.True(t, c.ShouldMark("S2", t0.Add(time.Second)), "other identity unaffected")
	assert.True(t, c.ShouldMark("S1", t0.Add(4*time.Second)), "window elapsed")

	last, ok := c.LastSeen("S1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(4*time.Second), last, "rejected sighting must not refresh last seen")
}

func TestCooldownBoundaryAndReset(t *testing.T) {
	c := NewCooldown(3 * time.Second)
	require.True(t, c.ShouldMark("S1", t0))
	assert.True(t, c.ShouldMark("S1", t0.Add(3*time.Second)), "exactly the cooldown")

	c.Reset()
	assert.Empty(t, c.Snapshot())
	assert.True(t, c.ShouldMark("S1", t0.Add(3*time.Second+time.Millisecond)))

	c.Forget("S1")
	_, ok := c.LastSeen("S1")
	assert.False(t, ok)
}

func TestCooldownConcurrentSightings(t *testing.T) {
	c := NewCooldown(DefaultCooldown)

	var marked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.ShouldMark("S1", t0) {
				marked.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), marked.Load())
}

func TestLogEntries(t *testing.T) {
	l := NewLog()
	l.Put(NewEvent("b", "Bob", 0.9, 0.8, t0.Add(2*time.Second), "cam"))
	l.Put(NewEvent("a", "Ann", 0.7, 0.8, t0.Add(time.Second), "cam"))
	l.Put(NewEvent("b", "Bob", 0.95, 0.8, t0.Add(5*time.Second), "cam"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].IdentityID)
	assert.Equal(t, "b", entries[1].IdentityID)
	assert.Equal(t, 0.95, entries[1].Confidence)
	assert.Equal(t, StatusPresent, entries[1].Status)

	l.Forget("a")
	assert.Len(t, l.Entries(), 1)
	l.Reset()
	assert.Empty(t, l.Entries())
}

// MockSink is a mock implementation of Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) SaveEvent(ctx context.Context, e Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func TestRecorder_StartStop(t *testing.T) {
	r := NewRecorder(new(MockSink), zap.NewNop(), RecorderConfig{BufferSize: 10, WorkerCount: 2})

	require.NoError(t, r.Start())
	stats := r.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	assert.Error(t, r.Start(), "cannot start twice")

	require.NoError(t, r.Stop(time.Second))
	assert.False(t, r.Stats().Running)
	assert.ErrorIs(t, r.Record(NewEvent("S1", "", 1, 1, t0, "")), ErrRecorderStopped)
	assert.ErrorIs(t, r.Stop(time.Second), ErrRecorderStopped)
}

func TestRecorder_RecordBeforeStart(t *testing.T) {
	r := NewRecorder(new(MockSink), nil, RecorderConfig{})
	assert.ErrorIs(t, r.Record(NewEvent("S1", "", 1, 1, t0, "")), ErrRecorderStopped)
}

func TestRecorder_DrainsOnStop(t *testing.T) {
	sink := new(MockSink)
	sink.On("SaveEvent", mock.Anything, mock.AnythingOfType("attendance.Event")).Return(nil)

	r := NewRecorder(sink, zap.NewNop(), RecorderConfig{BufferSize: 100, WorkerCount: 3})
	require.NoError(t, r.Start())

	for i := 0; i < 25; i++ {
		require.NoError(t, r.Record(NewEvent("S1", "Alice", 0.9, 0.8, t0.Add(time.Duration(i)*time.Second), "cam")))
	}
	require.NoError(t, r.Stop(5*time.Second))

	sink.AssertNumberOfCalls(t, "SaveEvent", 25)
	assert.Equal(t, int64(25), r.Stats().Saved)
}

func TestRecorder_SinkErrorIsolated(t *testing.T) {
	sink := new(MockSink)
	sink.On("SaveEvent", mock.Anything, mock.MatchedBy(func(e Event) bool { return e.IdentityID == "bad" })).
		Return(errors.New("connection refused"))
	sink.On("SaveEvent", mock.Anything, mock.MatchedBy(func(e Event) bool { return e.IdentityID != "bad" })).
		Return(nil)

	r := NewRecorder(sink, zap.NewNop(), RecorderConfig{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, r.Start())
	require.NoError(t, r.Record(NewEvent("bad", "", 1, 1, t0, "")))
	require.NoError(t, r.Record(NewEvent("good", "", 1, 1, t0, "")))
	require.NoError(t, r.Stop(5*time.Second))

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Saved)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, e Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	r := NewRecorder(sink, zap.NewNop(), RecorderConfig{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, r.Start())

	require.NoError(t, r.Record(NewEvent("S1", "", 1, 1, t0, "")))
	<-entered // worker is now blocked inside the sink
	require.NoError(t, r.Record(NewEvent("S2", "", 1, 1, t0, "")))
	assert.ErrorIs(t, r.Record(NewEvent("S3", "", 1, 1, t0, "")), ErrRecorderFull)

	close(release)
	require.NoError(t, r.Stop(5*time.Second))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Saved)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestMultiSink(t *testing.T) {
	var calls atomic.Int32
	ok := SinkFunc(func(context.Context, Event) error { calls.Add(1); return nil })
	boom := SinkFunc(func(context.Context, Event) error { calls.Add(1); return errors.New("boom") })

	err := MultiSink{ok, boom, LogSink{Logger: zap.NewNop()}}.SaveEvent(context.Background(), NewEvent("S1", "", 1, 1, t0, ""))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(2), calls.Load())
}
