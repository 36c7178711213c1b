package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/bimassist/bim-backend/internal/queue"
	"github.com/bimassist/bim-backend/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records every mutation the processor performs
type fakeStore struct {
	job      *domain.Job
	claimErr error

	claims          int
	progressUpdates []int
	completedJobs   []string
	failedJobs      map[string]string
	retriedJobs     map[string]string

	filesProcessing  []string
	filesCompleted   map[string]string
	filesFailed      map[string]string
	reportsStarted   []string
	reportsCompleted map[string]domain.ClashSummary
	reportsFailed    []string
}

func newFakeStore(job *domain.Job, claimErr error) *fakeStore {
	return &fakeStore{
		job:              job,
		claimErr:         claimErr,
		failedJobs:       map[string]string{},
		retriedJobs:      map[string]string{},
		filesCompleted:   map[string]string{},
		filesFailed:      map[string]string{},
		reportsCompleted: map[string]domain.ClashSummary{},
	}
}

func (f *fakeStore) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.job, nil
}

func (f *fakeStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	f.progressUpdates = append(f.progressUpdates, progress)
	return nil
}

func (f *fakeStore) MarkJobCompleted(ctx context.Context, jobID string) error {
	f.completedJobs = append(f.completedJobs, jobID)
	return nil
}

func (f *fakeStore) MarkJobFailed(ctx context.Context, jobID, errMsg string) error {
	f.failedJobs[jobID] = errMsg
	return nil
}

func (f *fakeStore) ResetJobForRetry(ctx context.Context, jobID, errMsg string) error {
	f.retriedJobs[jobID] = errMsg
	return nil
}

func (f *fakeStore) MarkFileProcessing(ctx context.Context, fileID string) error {
	f.filesProcessing = append(f.filesProcessing, fileID)
	return nil
}

func (f *fakeStore) MarkFileCompleted(ctx context.Context, fileID, convertedPath string) error {
	f.filesCompleted[fileID] = convertedPath
	return nil
}

func (f *fakeStore) MarkFileFailed(ctx context.Context, fileID, errMsg string) error {
	f.filesFailed[fileID] = errMsg
	return nil
}

func (f *fakeStore) MarkReportProcessing(ctx context.Context, reportID string) error {
	f.reportsStarted = append(f.reportsStarted, reportID)
	return nil
}

func (f *fakeStore) MarkReportCompleted(ctx context.Context, reportID, resultPath string, summary domain.ClashSummary) error {
	f.reportsCompleted[reportID] = summary
	return nil
}

func (f *fakeStore) MarkReportFailed(ctx context.Context, reportID string) error {
	f.reportsFailed = append(f.reportsFailed, reportID)
	return nil
}

// fakeRunner returns scripted results without launching anything
type fakeRunner struct {
	convertErr  error
	clashErr    error
	summary     domain.ClashSummary
	convertRuns int
	clashRuns   int
}

func (f *fakeRunner) RunConversion(ctx context.Context, jobID string, payload *queue.ConversionPayload, report ProgressFunc) (string, error) {
	f.convertRuns++
	if f.convertErr != nil {
		return "", f.convertErr
	}
	report(50, "converting")
	return payload.OutputPath, nil
}

func (f *fakeRunner) RunClash(ctx context.Context, jobID string, payload *queue.ClashPayload, report ProgressFunc) (string, domain.ClashSummary, error) {
	f.clashRuns++
	if f.clashErr != nil {
		return "", domain.ClashSummary{}, f.clashErr
	}
	return payload.OutputPath, f.summary, nil
}

func conversionBody(t *testing.T, jobID string) []byte {
	t.Helper()
	body, err := queue.NewConversionMessage(jobID, queue.ConversionPayload{
		FileID:       "f1",
		ProjectID:    "p1",
		InputPath:    "raw/p1/f1.ifc",
		OutputPath:   "converted/p1/f1.glb",
		OriginalName: "tower.ifc",
	})
	require.NoError(t, err)
	return body
}

func clashBody(t *testing.T, jobID string) []byte {
	t.Helper()
	body, err := queue.NewClashMessage(jobID, queue.ClashPayload{
		ReportID:   "r1",
		ProjectID:  "p1",
		FileIDs:    []string{"f1", "f2"},
		InputPaths: []string{"converted/p1/f1.glb", "converted/p1/f2.glb"},
		OutputPath: "reports/p1/r1.json",
		Settings:   queue.ClashSettings{ToleranceMM: 5, IncludeMinor: true},
	})
	require.NoError(t, err)
	return body
}

func conversionJob(attempts int) *domain.Job {
	return &domain.Job{
		JobID:       "j1",
		Kind:        queue.KindConversion,
		SubjectID:   "f1",
		ProjectID:   "p1",
		Status:      domain.JobStatusProcessing,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func TestProcess_ConversionSucceeds(t *testing.T) {
	store := newFakeStore(conversionJob(1), nil)
	runner := &fakeRunner{}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.NoError(t, err)

	assert.Equal(t, 1, runner.convertRuns)
	assert.Equal(t, []string{"f1"}, store.filesProcessing)
	assert.Equal(t, "converted/p1/f1.glb", store.filesCompleted["f1"])
	assert.Equal(t, []string{"j1"}, store.completedJobs)
	assert.Empty(t, store.failedJobs)
	assert.Empty(t, store.retriedJobs)
}

func TestProcess_RetryableFailureRequeuesWithAttemptsLeft(t *testing.T) {
	store := newFakeStore(conversionJob(1), nil)
	runner := &fakeRunner{
		convertErr: domain.NewRetryableError(errors.New("converter exited with code 1")),
	}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.True(t, errors.As(err, &retryable))

	assert.Contains(t, store.retriedJobs["j1"], "exited with code 1")
	assert.Empty(t, store.completedJobs)
	assert.Empty(t, store.failedJobs)
	assert.Empty(t, store.filesFailed)
}

func TestProcess_RetryCeilingFinalizesFailure(t *testing.T) {
	store := newFakeStore(conversionJob(3), nil)
	runner := &fakeRunner{
		convertErr: domain.NewRetryableError(errors.New("converter exited with code 1")),
	}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)

	// The exhausted attempt must not requeue
	var retryable *domain.RetryableError
	assert.False(t, errors.As(err, &retryable))

	assert.Empty(t, store.retriedJobs)
	assert.Contains(t, store.failedJobs["j1"], "max attempts exceeded")
	assert.Contains(t, store.filesFailed["f1"], "exited with code 1")
}

func TestProcess_NonRetryableFailureFailsImmediately(t *testing.T) {
	store := newFakeStore(conversionJob(1), nil)
	runner := &fakeRunner{
		convertErr: errors.New("input file is not a model"),
	}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.Error(t, err)

	var retryable *domain.RetryableError
	assert.False(t, errors.As(err, &retryable))

	assert.Empty(t, store.retriedJobs)
	assert.Equal(t, "input file is not a model", store.failedJobs["j1"])
	assert.Equal(t, "input file is not a model", store.filesFailed["f1"])
}

func TestProcess_TerminalRecordAcksRedelivery(t *testing.T) {
	store := newFakeStore(nil, domain.ErrJobAlreadyDone)
	runner := &fakeRunner{}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.NoError(t, err)

	assert.Equal(t, 1, store.claims)
	assert.Zero(t, runner.convertRuns)
	assert.Empty(t, store.completedJobs)
}

func TestProcess_UnknownRecordDropsMessage(t *testing.T) {
	store := newFakeStore(nil, domain.ErrJobNotFound)
	p := NewProcessor(store, &fakeRunner{}, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), conversionBody(t, "j1"))
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	var retryable *domain.RetryableError
	assert.False(t, errors.As(err, &retryable))
}

func TestProcess_UndecodableBodyNeverClaims(t *testing.T) {
	store := newFakeStore(conversionJob(1), nil)
	p := NewProcessor(store, &fakeRunner{}, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), []byte("{not json"))
	require.ErrorIs(t, err, queue.ErrMalformedMessage)

	assert.Zero(t, store.claims)
}

func TestProcess_ClashSucceedsWithSummary(t *testing.T) {
	job := &domain.Job{
		JobID:       "j2",
		Kind:        queue.KindClashDetection,
		SubjectID:   "r1",
		ProjectID:   "p1",
		Status:      domain.JobStatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
	}
	store := newFakeStore(job, nil)
	runner := &fakeRunner{
		summary: domain.ClashSummary{TotalClashes: 7, CriticalClashes: 2, MajorClashes: 3, MinorClashes: 2},
	}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), clashBody(t, "j2"))
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, store.reportsStarted)
	assert.Equal(t, 7, store.reportsCompleted["r1"].TotalClashes)
	assert.Equal(t, []string{"j2"}, store.completedJobs)
}

func TestProcess_ClashFailureMarksReportFailed(t *testing.T) {
	job := &domain.Job{
		JobID:       "j2",
		Kind:        queue.KindClashDetection,
		SubjectID:   "r1",
		ProjectID:   "p1",
		Status:      domain.JobStatusProcessing,
		Attempts:    3,
		MaxAttempts: 3,
	}
	store := newFakeStore(job, nil)
	runner := &fakeRunner{
		clashErr: domain.NewRetryableError(errors.New("analyzer crashed")),
	}
	p := NewProcessor(store, runner, slog.New(slog.DiscardHandler))

	err := p.Process(context.Background(), clashBody(t, "j2"))
	require.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)

	assert.Equal(t, []string{"r1"}, store.reportsFailed)
	assert.Contains(t, store.failedJobs["j2"], "analyzer crashed")
}
