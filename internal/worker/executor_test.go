package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/bimassist/bim-backend/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArtifactStore serves objects from memory and records uploads
type fakeArtifactStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{
		objects: map[string][]byte{},
		uploads: map[string][]byte{},
	}
}

func (f *fakeArtifactStore) DownloadFile(ctx context.Context, bucket, object, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return errors.New("object does not exist")
	}
	return os.WriteFile(filePath, data, 0o644)
}

func (f *fakeArtifactStore) UploadFile(ctx context.Context, bucket, object, filePath, contentType string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[bucket+"/"+object] = data
	return nil
}

func noProgress(int, string) {}

func newTestExecutor(t *testing.T, store ArtifactStore, convertScript, clashScript string, timeout time.Duration) *Executor {
	t.Helper()
	return NewExecutor(store, slog.New(slog.DiscardHandler), ExecutorConfig{
		WorkDir:        t.TempDir(),
		ConvertCommand: []string{"/bin/sh", "-c", convertScript},
		ClashCommand:   []string{"/bin/sh", "-c", clashScript},
		JobTimeout:     timeout,
	})
}

func conversionPayload() *queue.ConversionPayload {
	return &queue.ConversionPayload{
		FileID:       "f1",
		ProjectID:    "p1",
		InputPath:    "raw/p1/f1.ifc",
		OutputPath:   "converted/p1/f1.glb",
		OriginalName: "tower.ifc",
	}
}

func TestRunConversion_Succeeds(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	// $0 is the staged input, $1 the expected output
	e := newTestExecutor(t, store, `cp "$0" "$1"`, ":", 5*time.Second)

	got, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.NoError(t, err)

	assert.Equal(t, "converted/p1/f1.glb", got)
	assert.Equal(t, []byte("model bytes"), store.uploads["converted/p1/f1.glb"])
}

func TestRunConversion_ReportsStageProgress(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	e := newTestExecutor(t, store, `cp "$0" "$1"`, ":", 5*time.Second)

	var stages []int
	report := func(p int, _ string) { stages = append(stages, p) }

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), report)
	require.NoError(t, err)

	require.NotEmpty(t, stages)
	for i := 1; i < len(stages); i++ {
		assert.GreaterOrEqual(t, stages[i], stages[i-1])
	}
}

func TestRunConversion_ExitFailureIsRetryableWithStderr(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	e := newTestExecutor(t, store, `echo boom >&2; exit 1`, ":", 5*time.Second)

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.True(t, errors.As(err, &retryable))
	assert.Contains(t, err.Error(), "exited with code 1")
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, store.uploads)
}

func TestRunConversion_TimeoutIsRetryable(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	e := newTestExecutor(t, store, `sleep 5`, ":", 100*time.Millisecond)

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.True(t, errors.As(err, &retryable))
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunConversion_MissingArtifact(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	// Exits zero without producing the output file
	e := newTestExecutor(t, store, `:`, ":", 5*time.Second)

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.ErrorIs(t, err, domain.ErrMissingArtifact)
	assert.Empty(t, store.uploads)
}

func TestRunConversion_MissingInputIsRetryable(t *testing.T) {
	store := newFakeArtifactStore()

	e := newTestExecutor(t, store, `cp "$0" "$1"`, ":", 5*time.Second)

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.True(t, errors.As(err, &retryable))
}

func TestRunConversion_CleansUpJobDir(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["raw/p1/f1.ifc"] = []byte("model bytes")

	workDir := t.TempDir()
	e := NewExecutor(store, slog.New(slog.DiscardHandler), ExecutorConfig{
		WorkDir:        workDir,
		ConvertCommand: []string{"/bin/sh", "-c", `cp "$0" "$1"`},
		ClashCommand:   []string{"/bin/sh", "-c", ":"},
		JobTimeout:     5 * time.Second,
	})

	_, err := e.RunConversion(context.Background(), "j1", conversionPayload(), noProgress)
	require.NoError(t, err)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunClash_ParsesSummary(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["converted/p1/f1.glb"] = []byte("model a")
	store.objects["converted/p1/f2.glb"] = []byte("model b")

	// Positional args after the flags: $5 is the report output path
	script := `printf '{"summary":{"total_clashes":4,"critical_clashes":1,"major_clashes":2,"minor_clashes":1}}' > "$5"`
	e := newTestExecutor(t, store, ":", script, 5*time.Second)

	payload := &queue.ClashPayload{
		ReportID:   "r1",
		ProjectID:  "p1",
		FileIDs:    []string{"f1", "f2"},
		InputPaths: []string{"converted/p1/f1.glb", "converted/p1/f2.glb"},
		OutputPath: "reports/p1/r1.json",
		Settings:   queue.ClashSettings{ToleranceMM: 5, IncludeMinor: true},
	}

	got, summary, err := e.RunClash(context.Background(), "j2", payload, noProgress)
	require.NoError(t, err)

	assert.Equal(t, "reports/p1/r1.json", got)
	assert.Equal(t, 4, summary.TotalClashes)
	assert.Equal(t, 1, summary.CriticalClashes)
	assert.Equal(t, 2, summary.MajorClashes)
	assert.Equal(t, 1, summary.MinorClashes)
	assert.Contains(t, store.uploads, "reports/p1/r1.json")
}

func TestRunClash_UnparseableReportFails(t *testing.T) {
	store := newFakeArtifactStore()
	store.objects["converted/p1/f1.glb"] = []byte("model a")
	store.objects["converted/p1/f2.glb"] = []byte("model b")

	script := `printf 'not json' > "$5"`
	e := newTestExecutor(t, store, ":", script, 5*time.Second)

	payload := &queue.ClashPayload{
		ReportID:   "r1",
		ProjectID:  "p1",
		FileIDs:    []string{"f1", "f2"},
		InputPaths: []string{"converted/p1/f1.glb", "converted/p1/f2.glb"},
		OutputPath: "reports/p1/r1.json",
		Settings:   queue.ClashSettings{ToleranceMM: 5},
	}

	_, _, err := e.RunClash(context.Background(), "j2", payload, noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse clash report")
	assert.Empty(t, store.uploads)
}

func TestSplitLocator(t *testing.T) {
	tests := []struct {
		name    string
		locator string
		bucket  string
		object  string
		wantErr bool
	}{
		{name: "simple", locator: "raw/file.ifc", bucket: "raw", object: "file.ifc"},
		{name: "nested object", locator: "converted/p1/f1.glb", bucket: "converted", object: "p1/f1.glb"},
		{name: "no separator", locator: "rawfile", wantErr: true},
		{name: "empty bucket", locator: "/file.ifc", wantErr: true},
		{name: "empty object", locator: "raw/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, object, err := splitLocator(tt.locator)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.object, object)
		})
	}
}
