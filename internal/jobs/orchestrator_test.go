package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
	"github.com/ternarybob/licitometro/internal/services/extraction"
	"github.com/ternarybob/licitometro/internal/services/transform"
	"github.com/ternarybob/licitometro/internal/storage/badger"
)

// mockExtraction implements interfaces.ExtractionService. A Return value may be a
// function to compute the result per call.
type mockExtraction struct {
	mock.Mock
}

type discoverFunc func(ctx context.Context) ([]string, error)
type extractFunc func(req interfaces.ExtractRequest) (string, error)

func (m *mockExtraction) Discover(ctx context.Context, template *models.Template) ([]string, error) {
	args := m.Called(ctx, template)
	if fn, ok := args.Get(0).(discoverFunc); ok {
		return fn(ctx)
	}
	var urls []string
	if v := args.Get(0); v != nil {
		urls = v.([]string)
	}
	return urls, args.Error(1)
}

func (m *mockExtraction) Extract(ctx context.Context, req interfaces.ExtractRequest) (string, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(extractFunc); ok {
		return fn(req)
	}
	return args.String(0), args.Error(1)
}

func (m *mockExtraction) Close() error {
	return nil
}

// Test helper - orchestrator over an in-memory store with millisecond backoff
func newTestOrchestrator(t *testing.T, ext interfaces.ExtractionService, configure func(cfg *common.ReconConfig)) (*Orchestrator, interfaces.StorageManager) {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	cfg := common.NewDefaultConfig().Recon
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	if configure != nil {
		configure(&cfg)
	}

	o := NewOrchestrator(storage, ext, transform.NewService(logger), &cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, storage
}

func saveTemplate(t *testing.T, storage interfaces.StorageManager, id string) *models.Template {
	t.Helper()
	tpl := &models.Template{
		ID:           id,
		Name:         "Compras " + id,
		URL:          "https://compras.example.com/" + id,
		ItemSelector: "a.item",
		Fields: []models.Field{
			{ID: "title", Name: "title", Selector: "h1", Type: models.FieldTypeText, Required: true},
			{ID: "budget", Name: "budget", Selector: ".budget", Type: models.FieldTypeNumber, Required: true},
		},
		Active: true,
	}
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), tpl))
	return tpl
}

func itemURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://compras.example.com/item/%d", i+1)
	}
	return urls
}

// fieldValues answers every extraction with a value derived from the page and field
func fieldValues(req interfaces.ExtractRequest) (string, error) {
	if req.Field.Name == "budget" {
		return "$ 1.234,50", nil
	}
	return "Obra " + req.PageURL[strings.LastIndex(req.PageURL, "/")+1:], nil
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := o.GetStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 5*time.Second, 2*time.Millisecond)
	return job
}

func TestRun_AllItemsSucceed(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(3), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-a")
	ctx := context.Background()

	job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, models.JobOutcomeSuccess, final.Outcome)
	assert.Equal(t, 3, final.Progress.TotalFound)
	assert.Equal(t, 3, final.Progress.Processed)
	assert.Equal(t, 3, final.Progress.Saved)
	assert.Equal(t, 0, final.Progress.Errors)
	assert.Equal(t, 0, final.Progress.Skipped)
	assert.Equal(t, float64(100), final.Progress.PercentComplete)
	assert.Equal(t, float64(100), final.Progress.SuccessRate)
	assert.Equal(t, "Obra 3", final.Progress.LastSavedSummary)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	records, err := storage.RecordStorage().ListRecordsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 1234.5, records[0].Values["budget"])
	assert.NotEmpty(t, records[0].ContentHash)

	run, err := storage.RunHistoryStorage().GetRunByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusSuccess, run.Status)
	assert.Equal(t, 3, run.ItemsSaved)

	persisted, err := storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, persisted.Status)
}

func TestRun_RequiredFieldExhaustsRetries(t *testing.T) {
	var failedAttempts atomic.Int32
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(3), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if strings.HasSuffix(req.PageURL, "/item/2") && req.Field.Name == "title" {
			failedAttempts.Add(1)
			return "", &extraction.FetchError{URL: req.PageURL, Status: 503}
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-b")
	ctx := context.Background()

	job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	var final *models.Job
	for {
		snapshot, err := o.GetStatus(ctx, job.ID)
		require.NoError(t, err)

		p := snapshot.Progress
		require.Equal(t, p.Processed, p.Saved+p.Skipped, "counters must partition processed items")
		if p.TotalFound > 0 {
			require.LessOrEqual(t, p.Processed, p.TotalFound)
		}
		if snapshot.Status.IsTerminal() {
			final = snapshot
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, models.JobOutcomePartial, final.Outcome)
	assert.Equal(t, 3, final.Progress.Processed)
	assert.Equal(t, 2, final.Progress.Saved)
	assert.Equal(t, 1, final.Progress.Skipped)
	assert.Equal(t, 1, final.Progress.Errors)
	require.Len(t, final.Progress.RecentErrors, 1)
	assert.Contains(t, final.Progress.RecentErrors[0], "[title]")
	assert.Equal(t, int32(3), failedAttempts.Load(), "a 503 is retried up to max attempts")

	run, err := storage.RunHistoryStorage().GetRunByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusPartial, run.Status)
}

func TestRun_TransientFailuresRecoverWithinAttempts(t *testing.T) {
	var attempts atomic.Int32
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(2), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if strings.HasSuffix(req.PageURL, "/item/1") && req.Field.Name == "title" && attempts.Add(1) < 3 {
			return "", &extraction.FetchError{URL: req.PageURL, Err: errors.New("connection reset")}
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-retry")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobOutcomeSuccess, final.Outcome)
	assert.Equal(t, 2, final.Progress.Saved)
	assert.Equal(t, 0, final.Progress.Errors)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRun_ClientErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(2), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if strings.HasSuffix(req.PageURL, "/item/1") && req.Field.Name == "title" {
			attempts.Add(1)
			return "", &extraction.FetchError{URL: req.PageURL, Status: 404}
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-404")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 1, final.Progress.Errors)
	assert.Equal(t, 1, final.Progress.Saved)
	assert.Equal(t, 1, final.Progress.Skipped)
}

func TestRun_OptionalFieldErrorStillSaves(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(1), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if req.Field.Name == "opening" {
			return "", &extraction.FetchError{URL: req.PageURL, Status: 410}
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-optional")
	tpl.Fields = append(tpl.Fields, models.Field{ID: "opening", Name: "opening", Selector: ".opening", Type: models.FieldTypeDate})
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), tpl))

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobOutcomePartial, final.Outcome)
	assert.Equal(t, 1, final.Progress.Saved)
	assert.Equal(t, 1, final.Progress.Errors)
	assert.Equal(t, 0, final.Progress.Skipped)
}

func TestRun_MappingsShapeRecords(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(1), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-map")
	tpl.DestinationFields = []models.DestinationField{
		{ID: "d-title", Name: "titulo", Type: models.FieldTypeText},
		{ID: "d-budget", Name: "presupuesto", Type: models.FieldTypeNumber},
	}
	tpl.Mappings = []models.Mapping{
		{SourceFieldID: "title", DestinationFieldID: "d-title", Transformation: "trim|upper"},
		{SourceFieldID: "budget", DestinationFieldID: "d-budget", Transformation: "parseNumber"},
	}
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), tpl))

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)
	waitForTerminal(t, o, job.ID)

	records, err := storage.RecordStorage().ListRecordsByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "OBRA 1", records[0].Values["titulo"])
	assert.Equal(t, 1234.5, records[0].Values["presupuesto"])
	assert.NotContains(t, records[0].Values, "title")
}

func TestRun_RequiredMappedValueEmptySkipsItem(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(2), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if strings.HasSuffix(req.PageURL, "/item/2") && req.Field.Name == "title" {
			return "<br>", nil
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-map-empty")
	tpl.DestinationFields = []models.DestinationField{
		{ID: "d-title", Name: "titulo", Type: models.FieldTypeText},
		{ID: "d-budget", Name: "presupuesto", Type: models.FieldTypeNumber},
	}
	tpl.Mappings = []models.Mapping{
		{SourceFieldID: "title", DestinationFieldID: "d-title", Transformation: "stripHTML"},
		{SourceFieldID: "budget", DestinationFieldID: "d-budget", Transformation: "parseNumber"},
	}
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), tpl))

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, 2, final.Progress.Processed)
	assert.Equal(t, 1, final.Progress.Saved)
	assert.Equal(t, 1, final.Progress.Skipped, "a required field mapped to an empty value skips the item")
	assert.Equal(t, 0, final.Progress.Errors)

	records, err := storage.RecordStorage().ListRecordsByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Obra 1", records[0].Values["titulo"])
}

func TestRun_RecentErrorsKeepNewest(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(15), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if req.Field.Name == "title" {
			return "", &extraction.FetchError{URL: req.PageURL, Status: 404}
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-ring")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, 15, final.Progress.Errors)
	assert.Equal(t, 15, final.Progress.Skipped)
	require.Len(t, final.Progress.RecentErrors, o.config.RecentErrors)
	assert.Contains(t, final.Progress.RecentErrors[0], "/item/6 [title]")
	assert.Contains(t, final.Progress.RecentErrors[len(final.Progress.RecentErrors)-1], "/item/15 [title]")
}

// failingRecords rejects every append
type failingRecords struct {
	interfaces.RecordStorage
}

func (failingRecords) AppendRecord(ctx context.Context, record *models.Record) error {
	return errors.New("disk full")
}

func TestRun_RecordStoreFailureCountsAsError(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(2), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	o.records = failingRecords{storage.RecordStorage()}
	tpl := saveTemplate(t, storage, "tpl-store")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobOutcomePartial, final.Outcome)
	assert.Equal(t, 0, final.Progress.Saved)
	assert.Equal(t, 2, final.Progress.Skipped)
	assert.Equal(t, 2, final.Progress.Errors)
	require.Len(t, final.Progress.RecentErrors, final.Progress.Errors, "every listed error is counted")
	assert.Contains(t, final.Progress.RecentErrors[0], "[record]: disk full")
}

func TestRun_DiscoveryFailure(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).
		Return(nil, &extraction.FetchError{URL: "https://compras.example.com", Err: errors.New("connection refused")})

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-c")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 0, final.Progress.Processed)
	assert.Contains(t, final.Error, "discovery failed")
	ext.AssertNumberOfCalls(t, "Discover", 3)
	ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)

	run, err := storage.RunHistoryStorage().GetRunByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusError, run.Status)
	assert.Equal(t, 0, run.ItemsProcessed)
}

func TestRun_NoCandidates(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return([]string{}, nil)

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-empty")

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, "no candidate items found", final.Error)
}

func TestRun_InvalidStoredTemplateFails(t *testing.T) {
	ext := &mockExtraction{}

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-invalid")
	tpl.Fields = nil
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), tpl))

	job, err := o.Start(context.Background(), tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "template is invalid")
	ext.AssertNotCalled(t, "Discover", mock.Anything, mock.Anything)
}

func TestCancel_StopsAtItemBoundary(t *testing.T) {
	firstItem := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	var laterCalls atomic.Int32

	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(5), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if !strings.HasSuffix(req.PageURL, "/item/1") {
			laterCalls.Add(1)
		}
		if strings.HasSuffix(req.PageURL, "/item/1") && req.Field.Name == "budget" {
			once.Do(func() {
				close(firstItem)
				<-proceed
			})
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-d")
	ctx := context.Background()

	job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)

	<-firstItem
	acknowledged, err := o.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, acknowledged.Status, "cancellation is cooperative")
	close(proceed)

	final := waitForTerminal(t, o, job.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Equal(t, 1, final.Progress.Processed)
	assert.Equal(t, 1, final.Progress.Saved)
	assert.Equal(t, int32(0), laterCalls.Load(), "no further items are attempted")
	assert.Equal(t, models.ErrCancelled.Error(), final.Error)

	records, err := storage.RecordStorage().ListRecordsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "saved work is retained")

	run, err := storage.RunHistoryStorage().GetRunByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusCancelled, run.Status)
}

func TestCancel_TerminalJobIsNoOp(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(1), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-noop")
	ctx := context.Background()

	job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)
	final := waitForTerminal(t, o, job.ID)

	for i := 0; i < 3; i++ {
		after, err := o.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, after.Status)
	}

	again, err := o.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, final, again)

	runs, err := o.GetHistory(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCancel_PendingJob(t *testing.T) {
	release := make(chan struct{})
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.MatchedBy(func(tpl *models.Template) bool { return tpl.ID == "tpl-busy" })).
		Return(discoverFunc(func(ctx context.Context) ([]string, error) {
			<-release
			return []string{}, nil
		}))

	o, storage := newTestOrchestrator(t, ext, func(cfg *common.ReconConfig) { cfg.Workers = 1 })
	busy := saveTemplate(t, storage, "tpl-busy")
	queued := saveTemplate(t, storage, "tpl-queued")
	ctx := context.Background()

	first, err := o.Start(ctx, busy.ID, models.JobTriggerManual)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := o.GetStatus(ctx, first.ID)
		return j.Status == models.JobStatusRunning
	}, 5*time.Second, 2*time.Millisecond)

	second, err := o.Start(ctx, queued.ID, models.JobTriggerManual)
	require.NoError(t, err)

	status, err := o.GetStatus(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, status.Status, "pool is saturated")

	_, err = o.Cancel(ctx, second.ID)
	require.NoError(t, err)

	final := waitForTerminal(t, o, second.ID)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Nil(t, final.StartedAt)
	assert.Contains(t, final.Error, models.ErrCancelled.Error())
	assert.False(t, o.HasActiveJob(queued.ID))

	close(release)
	waitForTerminal(t, o, first.ID)
}

func TestStart_OneActiveJobPerTemplate(t *testing.T) {
	release := make(chan struct{})
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(discoverFunc(func(ctx context.Context) ([]string, error) {
		<-release
		return itemURLs(1), nil
	}))
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-race")
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	var started atomic.Int32
	var conflicts atomic.Int32
	var jobID atomic.Value

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
			if err == nil {
				started.Add(1)
				jobID.Store(job.ID)
				return
			}
			if errors.Is(err, models.ErrAlreadyRunning) && errors.Is(err, models.ErrConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())
	assert.True(t, o.HasActiveJob(tpl.ID))

	err := o.GuardTemplate(ctx, tpl.ID, func() error { return nil })
	assert.True(t, errors.Is(err, models.ErrConflict), "templates in use are immutable")

	id := jobID.Load().(string)
	require.Eventually(t, func() bool {
		j, _ := o.GetStatus(ctx, id)
		return j.Progress.CurrentStatus == "discovering items"
	}, 5*time.Second, 2*time.Millisecond)

	first, err := o.GetStatus(ctx, id)
	require.NoError(t, err)
	second, err := o.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second, "status reads without runner activity are identical")

	close(release)
	waitForTerminal(t, o, id)

	assert.False(t, o.HasActiveJob(tpl.ID))
	called := false
	require.NoError(t, o.GuardTemplate(ctx, tpl.ID, func() error { called = true; return nil }))
	assert.True(t, called)

	next, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err, "a finished job frees the template")
	waitForTerminal(t, o, next.ID)
}

func TestStart_QueuedJobsRunByPriority(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	recordDiscover := func(id string) discoverFunc {
		return func(ctx context.Context) ([]string, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return []string{}, nil
		}
	}
	forTemplate := func(id string) interface{} {
		return mock.MatchedBy(func(tpl *models.Template) bool { return tpl.ID == id })
	}

	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, forTemplate("tpl-busy")).Return(discoverFunc(func(ctx context.Context) ([]string, error) {
		<-release
		return []string{}, nil
	}))
	ext.On("Discover", mock.Anything, forTemplate("tpl-low")).Return(recordDiscover("tpl-low"))
	ext.On("Discover", mock.Anything, forTemplate("tpl-high")).Return(recordDiscover("tpl-high"))

	o, storage := newTestOrchestrator(t, ext, func(cfg *common.ReconConfig) { cfg.Workers = 1 })
	busy := saveTemplate(t, storage, "tpl-busy")
	low := saveTemplate(t, storage, "tpl-low")
	high := saveTemplate(t, storage, "tpl-high")
	high.Priority = models.JobPriorityHigh
	require.NoError(t, storage.TemplateStorage().SaveTemplate(context.Background(), high))
	ctx := context.Background()

	waitQueued := func(n int) {
		require.Eventually(t, func() bool {
			return o.Stats()["waiting_jobs"] == n
		}, 5*time.Second, 2*time.Millisecond)
	}

	first, err := o.Start(ctx, busy.ID, models.JobTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.JobPriorityMedium, first.Priority)
	require.Eventually(t, func() bool {
		j, _ := o.GetStatus(ctx, first.ID)
		return j.Status == models.JobStatusRunning
	}, 5*time.Second, 2*time.Millisecond)

	lowJob, err := o.StartWithOptions(ctx, low.ID, models.StartOptions{Priority: models.JobPriorityLow})
	require.NoError(t, err)
	assert.Equal(t, models.JobPriorityLow, lowJob.Priority)
	waitQueued(1)

	highJob, err := o.Start(ctx, high.ID, models.JobTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.JobPriorityHigh, highJob.Priority, "the template priority applies by default")
	waitQueued(2)

	close(release)
	waitForTerminal(t, o, lowJob.ID)
	waitForTerminal(t, o, highJob.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tpl-high", "tpl-low"}, order, "the higher priority job is admitted first")
}

func TestStartBatch_AggregatesJobs(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(2), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	a := saveTemplate(t, storage, "tpl-batch-a")
	b := saveTemplate(t, storage, "tpl-batch-b")
	ctx := context.Background()

	started, err := o.StartBatch(ctx, []string{a.ID, b.ID, a.ID, " ", "tpl-missing"}, models.JobPriorityHigh)
	require.NoError(t, err)
	require.Len(t, started.JobIDs, 2, "duplicates and blanks are ignored")
	require.Len(t, started.Rejected, 1)
	assert.Equal(t, "tpl-missing", started.Rejected[0].TemplateID)
	assert.Contains(t, started.Rejected[0].Error, "not found")
	for _, job := range started.Jobs {
		assert.Equal(t, started.ID, job.BatchID)
		assert.Equal(t, models.JobPriorityHigh, job.Priority)
	}

	var status *models.BatchStatus
	require.Eventually(t, func() bool {
		status, err = o.GetBatch(ctx, started.ID)
		return err == nil && status.Status == models.BatchStateCompleted
	}, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 2, status.Counts[models.JobStatusCompleted])
	assert.Equal(t, 4, status.Totals.TotalFound)
	assert.Equal(t, 4, status.Totals.Processed)
	assert.Equal(t, 4, status.Totals.Saved)
	assert.Equal(t, float64(100), status.Totals.PercentComplete)

	// Forgotten batches are rebuilt from their persisted jobs
	o.mu.Lock()
	delete(o.batches, started.ID)
	o.mu.Unlock()

	rebuilt, err := o.GetBatch(ctx, started.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, started.JobIDs, rebuilt.JobIDs)
	assert.Equal(t, models.BatchStateCompleted, rebuilt.Status)
	assert.Equal(t, 4, rebuilt.Totals.Saved)
	assert.Empty(t, rebuilt.Rejected)
}

func TestStartBatch_Rejections(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockExtraction{}, nil)
	ctx := context.Background()

	_, err := o.StartBatch(ctx, nil, "")
	assert.True(t, models.IsValidationError(err))

	_, err = o.StartBatch(ctx, []string{"tpl-missing"}, "")
	assert.True(t, errors.Is(err, models.ErrNotFound), "a batch that starts nothing fails with the first rejection")

	_, err = o.GetBatch(ctx, "bat_unknown")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStart_Rejections(t *testing.T) {
	o, storage := newTestOrchestrator(t, &mockExtraction{}, nil)
	ctx := context.Background()

	_, err := o.Start(ctx, "missing", models.JobTriggerManual)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	tpl := saveTemplate(t, storage, "tpl-off")
	tpl.Active = false
	require.NoError(t, storage.TemplateStorage().SaveTemplate(ctx, tpl))

	_, err = o.Start(ctx, tpl.ID, models.JobTriggerManual)
	assert.True(t, errors.Is(err, models.ErrTemplateInactive))

	_, err = o.GetStatus(ctx, "job_unknown")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = o.GetHistory(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestTerminalStateImpliesHistory(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(4), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-order")
	ctx := context.Background()

	job, err := o.Start(ctx, tpl.ID, models.JobTriggerScheduled)
	require.NoError(t, err)

	for {
		snapshot, err := o.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		if snapshot.Status.IsTerminal() {
			run, err := storage.RunHistoryStorage().GetRunByJob(ctx, job.ID)
			require.NoError(t, err, "history is written before the terminal state is visible")
			assert.Equal(t, job.ID, run.JobID)
			assert.Equal(t, models.JobTriggerScheduled, snapshot.Trigger)
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestListJobs_MostRecentFirst(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(1), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-list")
	other := saveTemplate(t, storage, "tpl-other")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
		require.NoError(t, err)
		waitForTerminal(t, o, job.ID)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}
	otherJob, err := o.Start(ctx, other.ID, models.JobTriggerManual)
	require.NoError(t, err)
	waitForTerminal(t, o, otherJob.ID)

	jobs, err := o.ListJobs(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	all, err := o.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRetention_EvictedJobsReadFromStorage(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(1), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(fieldValues))

	o, storage := newTestOrchestrator(t, ext, func(cfg *common.ReconConfig) { cfg.MaxRetainedJobs = 1 })
	tpl := saveTemplate(t, storage, "tpl-retain")
	ctx := context.Background()

	first, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)
	waitForTerminal(t, o, first.ID)

	second, err := o.Start(ctx, tpl.ID, models.JobTriggerManual)
	require.NoError(t, err)
	waitForTerminal(t, o, second.ID)

	o.mu.RLock()
	_, retained := o.runs[first.ID]
	o.mu.RUnlock()
	assert.False(t, retained)

	evicted, err := o.GetStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, evicted.Status)
	assert.Equal(t, 1, evicted.Progress.Saved)
}

func TestRecoverInterrupted(t *testing.T) {
	o, storage := newTestOrchestrator(t, &mockExtraction{}, nil)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	stale := &models.Job{
		ID:         "job_stale",
		TemplateID: "tpl-x",
		Status:     models.JobStatusRunning,
		CreatedAt:  started,
		StartedAt:  &started,
		Progress:   models.ProgressSnapshot{TotalFound: 5, Processed: 2, Saved: 2},
	}
	require.NoError(t, storage.JobStorage().SaveJob(ctx, stale))

	recovered, err := o.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job, err := o.GetStatus(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "interrupted by restart", job.Error)

	run, err := storage.RunHistoryStorage().GetRunByJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusError, run.Status)
	assert.Equal(t, 2, run.ItemsSaved)

	recovered, err = o.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestPreview_PersistsNothing(t *testing.T) {
	ext := &mockExtraction{}
	ext.On("Discover", mock.Anything, mock.Anything).Return(itemURLs(3), nil)
	ext.On("Extract", mock.Anything, mock.Anything).Return(extractFunc(func(req interfaces.ExtractRequest) (string, error) {
		if strings.HasSuffix(req.PageURL, "/item/2") && req.Field.Name == "budget" {
			return "", nil
		}
		return fieldValues(req)
	}))

	o, storage := newTestOrchestrator(t, ext, nil)
	tpl := saveTemplate(t, storage, "tpl-preview")
	ctx := context.Background()

	result, err := o.Preview(ctx, tpl, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalFound)
	require.Len(t, result.Rows, 2)
	assert.False(t, result.Rows[0].Skipped)
	assert.Equal(t, "Obra 1", result.Rows[0].Values["title"])
	assert.True(t, result.Rows[1].Skipped, "a required field without a value skips the item")

	count, err := storage.RecordStorage().CountRecordsByTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	runs, err := storage.RunHistoryStorage().ListRuns(ctx, tpl.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPreview_RejectsInvalidTemplate(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockExtraction{}, nil)

	_, err := o.Preview(context.Background(), &models.Template{Name: "x"}, 1)
	assert.True(t, models.IsValidationError(err))
}

func TestComputeRates(t *testing.T) {
	p := &models.ProgressSnapshot{TotalFound: 4, Processed: 2, Saved: 1, Skipped: 1}
	computeRates(p, 30*time.Second)

	assert.Equal(t, float64(50), p.PercentComplete)
	assert.Equal(t, float64(4), p.ItemsPerMinute)
	assert.Equal(t, float64(50), p.SuccessRate)
	assert.Equal(t, float64(30), p.ElapsedSeconds)

	empty := &models.ProgressSnapshot{Processed: 0}
	computeRates(empty, 0)
	assert.Equal(t, float64(0), empty.PercentComplete)
}
