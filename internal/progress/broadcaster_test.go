package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource replays scripted poll results and counts how often it is read.
type fakeSource struct {
	mu      sync.Mutex
	records []Record
	errs    []error
	batches [][]Record
	polls   int
}

func (f *fakeSource) JobBySubject(ctx context.Context, subjectID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.polls
	f.polls++

	if i < len(f.errs) && f.errs[i] != nil {
		return Record{}, f.errs[i]
	}
	if i >= len(f.records) {
		return f.records[len(f.records)-1], nil
	}
	return f.records[i], nil
}

func (f *fakeSource) ActiveByProject(ctx context.Context, projectID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.polls
	f.polls++

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.batches) {
		return nil, nil
	}
	return f.batches[i], nil
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func collectEvents() (EmitFunc, *[]Event) {
	var mu sync.Mutex
	events := &[]Event{}
	return func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
		return nil
	}, events
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunSubject_CompletesWithSingleDone(t *testing.T) {
	source := &fakeSource{
		records: []Record{
			{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 10, Message: "started"},
			{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 60},
			{JobID: "j1", SubjectID: "f1", Status: "completed", Progress: 100},
		},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, events := collectEvents()

	err := session.RunSubject(context.Background(), "f1", emit)
	require.NoError(t, err)

	got := *events
	require.GreaterOrEqual(t, len(got), 4)

	assert.Equal(t, EventConnected, got[0].Type)

	var doneCount int
	for i, e := range got {
		if e.Type == EventDone {
			doneCount++
			// Nothing may follow the terminal event
			assert.Equal(t, len(got)-1, i)
			assert.Equal(t, "completed", e.Status)
			assert.Equal(t, 100, e.Progress)
		}
	}
	assert.Equal(t, 1, doneCount)

	// The event before done reflects the final record state
	last := got[len(got)-2]
	assert.Equal(t, EventProgress, last.Type)
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestRunSubject_FailedJobCarriesError(t *testing.T) {
	source := &fakeSource{
		records: []Record{
			{JobID: "j1", SubjectID: "f1", Status: "failed", Progress: 40, Error: "converter exited with code 1"},
		},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, events := collectEvents()

	err := session.RunSubject(context.Background(), "f1", emit)
	require.NoError(t, err)

	got := *events
	require.Len(t, got, 3)
	assert.Equal(t, EventConnected, got[0].Type)
	assert.Equal(t, EventProgress, got[1].Type)
	assert.Equal(t, "converter exited with code 1", got[1].Error)
	assert.Equal(t, EventDone, got[2].Type)
	assert.Equal(t, "failed", got[2].Status)
}

func TestRunSubject_RecordVanishesMidStream(t *testing.T) {
	source := &fakeSource{
		records: []Record{
			{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 10},
		},
		errs: []error{nil, ErrNotFound},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, events := collectEvents()

	err := session.RunSubject(context.Background(), "f1", emit)
	require.ErrorIs(t, err, ErrNotFound)

	got := *events
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventError, last.Type)

	for _, e := range got {
		assert.NotEqual(t, EventDone, e.Type)
	}
}

func TestRunSubject_DisconnectStopsPolling(t *testing.T) {
	source := &fakeSource{
		records: []Record{
			{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 10},
		},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, _ := collectEvents()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- session.RunSubject(ctx, "f1", emit)
	}()

	// Let a few polls happen, then simulate the client going away
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("session did not stop after disconnect")
	}

	// No polling call may occur after disconnect is observed
	countAtStop := source.pollCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, countAtStop, source.pollCount())
}

func TestRunSubject_EmitFailureStopsSession(t *testing.T) {
	source := &fakeSource{
		records: []Record{
			{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 10},
		},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)

	calls := 0
	emit := func(e Event) error {
		calls++
		if calls > 1 {
			return errors.New("client write failed")
		}
		return nil
	}

	err := session.RunSubject(context.Background(), "f1", emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client write failed")
}

func TestRunBatch_ConvergesWhenActiveSetDrains(t *testing.T) {
	// J1 completes after the first poll, J2 fails after the second
	source := &fakeSource{
		batches: [][]Record{
			{
				{JobID: "j1", SubjectID: "f1", Status: "processing", Progress: 50},
				{JobID: "j2", SubjectID: "f2", Status: "pending", Progress: 0},
			},
			{
				{JobID: "j2", SubjectID: "f2", Status: "processing", Progress: 80},
			},
			{},
		},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, events := collectEvents()

	err := session.RunBatch(context.Background(), "p1", emit)
	require.NoError(t, err)

	got := *events
	require.Len(t, got, 5)

	assert.Equal(t, EventConnected, got[0].Type)
	assert.Equal(t, "p1", got[0].ProjectID)

	// Both jobs appear in the files list at least once while active
	first := got[1]
	assert.Equal(t, EventBatchProgress, first.Type)
	require.Len(t, first.Files, 2)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, "f1", first.Files[0].SubjectID)
	assert.Equal(t, "f2", first.Files[1].SubjectID)

	second := got[2]
	assert.Equal(t, EventBatchProgress, second.Type)
	require.Len(t, second.Files, 1)

	empty := got[3]
	assert.Equal(t, EventBatchProgress, empty.Type)
	assert.Empty(t, empty.Files)

	// done emitted exactly once, after both jobs left the active set
	assert.Equal(t, EventDone, got[4].Type)
}

func TestRunBatch_SourceErrorClosesStream(t *testing.T) {
	source := &fakeSource{
		errs: []error{errors.New("store unavailable")},
	}

	session := NewSession(source, testLogger(), 5*time.Millisecond)
	emit, events := collectEvents()

	err := session.RunBatch(context.Background(), "p1", emit)
	require.Error(t, err)

	got := *events
	require.Len(t, got, 2)
	assert.Equal(t, EventConnected, got[0].Type)
	assert.Equal(t, EventError, got[1].Type)
}
