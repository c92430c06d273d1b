package pipeline

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/common"
	"github.com/ternarybob/praxis/internal/interfaces"
	"github.com/ternarybob/praxis/internal/models"
	"github.com/ternarybob/praxis/internal/services/events"
)

// fakeBehavior scripts one command's outcome for the fake runner
type fakeBehavior struct {
	result   interfaces.ExitResult
	err      error
	onRun    func()
	panicMsg string
}

type runnerCall struct {
	command string
	args    []string
}

// fakeRunner satisfies CommandRunner without spawning real processes
type fakeRunner struct {
	mu       sync.Mutex
	behavior map[string]fakeBehavior
	calls    []runnerCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{behavior: make(map[string]fakeBehavior)}
}

func (f *fakeRunner) set(command string, behavior fakeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[command] = behavior
}

func (f *fakeRunner) Run(command string, args ...string) (interfaces.ExitResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{command: command, args: args})
	behavior := f.behavior[command]
	f.mu.Unlock()

	if behavior.panicMsg != "" {
		panic(behavior.panicMsg)
	}
	if behavior.onRun != nil {
		behavior.onRun()
	}
	return behavior.result, behavior.err
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	commands := make([]string, len(f.calls))
	for i, call := range f.calls {
		commands[i] = call.command
	}
	return commands
}

// eventRecorder captures the combined event stream in delivery order
type eventRecorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func newEventRecorder(t *testing.T, bus interfaces.EventService) *eventRecorder {
	t.Helper()
	recorder := &eventRecorder{}
	require.NoError(t, bus.Subscribe(interfaces.EventTrainingStatus, recorder.record))
	require.NoError(t, bus.Subscribe(interfaces.EventModelData, recorder.record))
	return recorder
}

func (r *eventRecorder) record(ctx context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) all() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) statuses() []models.TrainingStatus {
	var out []models.TrainingStatus
	for _, event := range r.all() {
		if event.Type == interfaces.EventTrainingStatus {
			out = append(out, event.Payload.(models.TrainingStatus))
		}
	}
	return out
}

func (r *eventRecorder) modelData() []models.ModelData {
	var out []models.ModelData
	for _, event := range r.all() {
		if event.Type == interfaces.EventModelData {
			out = append(out, event.Payload.(models.ModelData))
		}
	}
	return out
}

func (r *eventRecorder) countStatus(status models.StatusType) int {
	count := 0
	for _, s := range r.statuses() {
		if s.Status == status {
			count++
		}
	}
	return count
}

type statusTuple struct {
	status  models.StatusType
	step    models.PipelineStep
	message string
}

func assertStatusSequence(t *testing.T, got []models.TrainingStatus, want []statusTuple) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, w.status, got[i].Status, "status at index %d", i)
		assert.Equal(t, w.step, got[i].Step, "step at index %d", i)
		assert.Equal(t, w.message, got[i].Message, "message at index %d", i)
	}
}

func newTestConfig(t *testing.T) *common.Config {
	t.Helper()
	tmp := t.TempDir()
	config := common.NewDefaultConfig()
	config.Pipeline.DataDir = filepath.Join(tmp, "raw")
	config.Pipeline.ModelPath = filepath.Join(tmp, "best_model.pt")
	config.Convert.Command = "convert-data"
	config.Convert.Args = nil
	config.Train.Command = "train-model"
	config.Upload.Timeout = "2s"
	return config
}

func newTestService(t *testing.T, config *common.Config, runner interfaces.CommandRunner) (*Service, *eventRecorder) {
	t.Helper()
	logger := arbor.NewLogger()
	bus := events.NewService(logger)
	recorder := newEventRecorder(t, bus)
	return NewService(config, bus, runner, logger), recorder
}

// uploadCapture records what the fake model server received
type uploadCapture struct {
	mu       sync.Mutex
	requests int
	filename string
	body     string
}

func (c *uploadCapture) snapshot() (int, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests, c.filename, c.body
}

func newUploadServer(t *testing.T, status int) (*httptest.Server, *uploadCapture) {
	t.Helper()
	capture := &uploadCapture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.mu.Lock()
		capture.requests++
		capture.mu.Unlock()

		file, header, err := r.FormFile("model")
		if err == nil {
			body, _ := io.ReadAll(file)
			file.Close()
			capture.mu.Lock()
			capture.filename = header.Filename
			capture.body = string(body)
			capture.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, capture
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestExecute_FullPipelineSuccess(t *testing.T) {
	config := newTestConfig(t)
	server, capture := newUploadServer(t, http.StatusOK)
	config.Upload.URL = server.URL

	stale := filepath.Join(config.Pipeline.DataDir, "stale.json")
	require.NoError(t, os.MkdirAll(config.Pipeline.DataDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{onRun: func() {
		if err := os.WriteFile(config.Pipeline.ModelPath, []byte("weights"), 0o644); err != nil {
			t.Errorf("failed to write model artifact: %v", err)
		}
	}})

	svc, recorder := newTestService(t, config, runner)
	require.NoError(t, svc.Execute(context.Background()))

	assertStatusSequence(t, recorder.statuses(), []statusTuple{
		{models.StatusStarted, "", "Training pipeline started"},
		{models.StatusProgress, models.StepDataCleanup, "Deleting old data"},
		{models.StatusProgress, models.StepDataCleanup, "Old data deleted"},
		{models.StatusProgress, models.StepDataConversion, "Starting data conversion"},
		{models.StatusProgress, models.StepDataConversion, "Data conversion completed"},
		{models.StatusProgress, models.StepTraining, "Starting distributed training"},
		{models.StatusProgress, models.StepTraining, "Training completed"},
		{models.StatusProgress, models.StepModelVerification, "Verifying trained model"},
		{models.StatusProgress, models.StepModelVerification, "Trained model verified"},
		{models.StatusProgress, models.StepModelUpload, "Uploading model to server"},
		{models.StatusProgress, models.StepModelUpload, "Model successfully uploaded"},
		{models.StatusProgress, models.StepModelBroadcast, "Sending model to clients"},
		{models.StatusProgress, models.StepModelBroadcast, "Model sent to clients"},
		{models.StatusCompleted, "", "Training pipeline completed successfully"},
	})

	modelEvents := recorder.modelData()
	require.Len(t, modelEvents, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("weights")), modelEvents[0].ModelBase64)
	assert.Equal(t, "best_model.pt", modelEvents[0].Filename)

	// model_data lands between the two broadcast progress events
	all := recorder.all()
	require.Len(t, all, 15)
	assert.Equal(t, interfaces.EventModelData, all[12].Type)

	requests, filename, body := capture.snapshot()
	assert.Equal(t, 1, requests)
	assert.Equal(t, "best_model.pt", filename)
	assert.Equal(t, "weights", body)

	assert.Equal(t, []string{"convert-data", "train-model"}, runner.commands())
	assert.Equal(t, config.Train.BuildArgs(), runner.calls[1].args)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(config.Pipeline.DataDir)
	assert.NoError(t, err)

	assert.Equal(t, models.RunStateIdle, svc.State())
	assert.Nil(t, svc.CurrentRun())
	last := svc.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, models.RunResultCompleted, last.Result)
	assert.True(t, strings.HasPrefix(last.ID, "run_"))
}

func TestExecute_ConvertFailureAbortsRun(t *testing.T) {
	config := newTestConfig(t)
	server, capture := newUploadServer(t, http.StatusOK)
	config.Upload.URL = server.URL

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{result: interfaces.ExitResult{ExitCode: 1, Stderr: "boom"}})

	svc, recorder := newTestService(t, config, runner)
	err := svc.Execute(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StepDataConversion, stageErr.Step)

	assertStatusSequence(t, recorder.statuses(), []statusTuple{
		{models.StatusStarted, "", "Training pipeline started"},
		{models.StatusProgress, models.StepDataCleanup, "Deleting old data"},
		{models.StatusProgress, models.StepDataCleanup, "Old data deleted"},
		{models.StatusProgress, models.StepDataConversion, "Starting data conversion"},
		{models.StatusError, models.StepDataConversion, "Data conversion failed: boom"},
	})
	assert.Empty(t, recorder.modelData())

	requests, _, _ := capture.snapshot()
	assert.Zero(t, requests)
	assert.Equal(t, []string{"convert-data"}, runner.commands())

	assert.Equal(t, models.RunStateIdle, svc.State())
	last := svc.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, models.RunResultFailed, last.Result)
	assert.Equal(t, models.StepDataConversion, last.FailedStep)
}

func TestExecute_TrainFailureAbortsRun(t *testing.T) {
	config := newTestConfig(t)
	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{result: interfaces.ExitResult{ExitCode: 2, Stderr: "cuda out of memory"}})

	svc, recorder := newTestService(t, config, runner)
	err := svc.Execute(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StepTraining, stageErr.Step)

	statuses := recorder.statuses()
	require.NotEmpty(t, statuses)
	lastStatus := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusError, lastStatus.Status)
	assert.Equal(t, models.StepTraining, lastStatus.Step)
	assert.Equal(t, "Training failed: cuda out of memory", lastStatus.Message)

	for _, s := range statuses {
		assert.NotEqual(t, models.StepModelVerification, s.Step)
		assert.NotEqual(t, models.StepModelUpload, s.Step)
		assert.NotEqual(t, models.StepModelBroadcast, s.Step)
	}
	assert.Empty(t, recorder.modelData())
	assert.Equal(t, models.RunStateIdle, svc.State())
}

func TestExecute_MissingModelAbortsBeforeUpload(t *testing.T) {
	config := newTestConfig(t)
	server, capture := newUploadServer(t, http.StatusOK)
	config.Upload.URL = server.URL

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{})

	svc, recorder := newTestService(t, config, runner)
	err := svc.Execute(context.Background())

	require.ErrorIs(t, err, ErrModelMissing)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StepModelVerification, stageErr.Step)

	statuses := recorder.statuses()
	lastStatus := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusError, lastStatus.Status)
	assert.Equal(t, models.StepModelVerification, lastStatus.Step)
	assert.Equal(t, "Trained model not found", lastStatus.Message)

	for _, s := range statuses {
		assert.NotEqual(t, models.StepModelUpload, s.Step)
		assert.NotEqual(t, models.StepModelBroadcast, s.Step)
	}
	assert.Empty(t, recorder.modelData())

	requests, _, _ := capture.snapshot()
	assert.Zero(t, requests)
	assert.Equal(t, models.RunStateIdle, svc.State())
}

func TestExecute_UploadRejectionDoesNotAbortBroadcast(t *testing.T) {
	config := newTestConfig(t)
	server, capture := newUploadServer(t, http.StatusInternalServerError)
	config.Upload.URL = server.URL

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{onRun: func() {
		if err := os.WriteFile(config.Pipeline.ModelPath, []byte("weights"), 0o644); err != nil {
			t.Errorf("failed to write model artifact: %v", err)
		}
	}})

	svc, recorder := newTestService(t, config, runner)
	require.NoError(t, svc.Execute(context.Background()))

	statuses := recorder.statuses()
	var uploadError *models.TrainingStatus
	for i := range statuses {
		if statuses[i].Status == models.StatusError && statuses[i].Step == models.StepModelUpload {
			uploadError = &statuses[i]
		}
	}
	require.NotNil(t, uploadError)
	assert.Equal(t, "Failed to upload model: 500", uploadError.Message)

	// broadcast still delivered the artifact after the failed upload
	require.Len(t, recorder.modelData(), 1)
	lastStatus := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusCompleted, lastStatus.Status)
	assert.Equal(t, "Training pipeline completed successfully", lastStatus.Message)

	requests, _, _ := capture.snapshot()
	assert.Equal(t, 1, requests)

	last := svc.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, models.RunResultCompleted, last.Result)
}

func TestExecute_UploadTransportFaultDoesNotAbortBroadcast(t *testing.T) {
	config := newTestConfig(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	config.Upload.URL = server.URL
	server.Close()

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{onRun: func() {
		if err := os.WriteFile(config.Pipeline.ModelPath, []byte("weights"), 0o644); err != nil {
			t.Errorf("failed to write model artifact: %v", err)
		}
	}})

	svc, recorder := newTestService(t, config, runner)
	require.NoError(t, svc.Execute(context.Background()))

	statuses := recorder.statuses()
	var uploadError *models.TrainingStatus
	for i := range statuses {
		if statuses[i].Status == models.StatusError && statuses[i].Step == models.StepModelUpload {
			uploadError = &statuses[i]
		}
	}
	require.NotNil(t, uploadError)
	assert.True(t, strings.HasPrefix(uploadError.Message, "Failed to upload model: "))

	require.Len(t, recorder.modelData(), 1)
	assert.Equal(t, models.StatusCompleted, statuses[len(statuses)-1].Status)
}

func TestExecute_UnreadableArtifactFailsBothTransfersIndependently(t *testing.T) {
	config := newTestConfig(t)
	server, capture := newUploadServer(t, http.StatusOK)
	config.Upload.URL = server.URL

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{})
	runner.set("train-model", fakeBehavior{onRun: func() {
		// the artifact path exists but is not a readable file
		if err := os.MkdirAll(config.Pipeline.ModelPath, 0o755); err != nil {
			t.Errorf("failed to create artifact directory: %v", err)
		}
	}})

	svc, recorder := newTestService(t, config, runner)
	require.NoError(t, svc.Execute(context.Background()))

	statuses := recorder.statuses()
	var uploadError, broadcastError bool
	for _, s := range statuses {
		if s.Status == models.StatusError && s.Step == models.StepModelUpload {
			uploadError = true
			assert.True(t, strings.HasPrefix(s.Message, "Failed to upload model: "))
		}
		if s.Status == models.StatusError && s.Step == models.StepModelBroadcast {
			broadcastError = true
			assert.True(t, strings.HasPrefix(s.Message, "Failed to send model to clients: "))
		}
	}
	assert.True(t, uploadError)
	assert.True(t, broadcastError)
	assert.Empty(t, recorder.modelData())

	// neither transfer fault aborts the run
	assert.Equal(t, models.StatusCompleted, statuses[len(statuses)-1].Status)
	requests, _, _ := capture.snapshot()
	assert.Zero(t, requests)

	last := svc.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, models.RunResultCompleted, last.Result)
}

func TestExecute_PanicReportedAndGuardReleased(t *testing.T) {
	config := newTestConfig(t)
	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{panicMsg: "cuda driver wedged"})

	svc, recorder := newTestService(t, config, runner)
	err := svc.Execute(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda driver wedged")

	statuses := recorder.statuses()
	require.NotEmpty(t, statuses)
	lastStatus := statuses[len(statuses)-1]
	assert.Equal(t, models.StatusError, lastStatus.Status)
	assert.Equal(t, models.StepUnknown, lastStatus.Step)
	assert.Equal(t, "Exception: cuda driver wedged", lastStatus.Message)

	assert.Equal(t, models.RunStateIdle, svc.State())
	last := svc.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, models.RunResultFailed, last.Result)
	assert.Equal(t, models.StepUnknown, last.FailedStep)

	// a fresh run can start after the fault
	runner.set("convert-data", fakeBehavior{result: interfaces.ExitResult{ExitCode: 1}})
	err = svc.Execute(context.Background())
	var stageErr *StageError
	assert.ErrorAs(t, err, &stageErr)
}

func TestExecute_SecondRunSkippedWhileFirstInFlight(t *testing.T) {
	config := newTestConfig(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{
		result: interfaces.ExitResult{ExitCode: 1, Stderr: "interrupted"},
		onRun: func() {
			entered <- struct{}{}
			<-release
		},
	})

	svc, recorder := newTestService(t, config, runner)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- svc.Execute(context.Background())
	}()
	waitSignal(t, entered)

	assert.Equal(t, models.RunStateRunning, svc.State())
	current := svc.CurrentRun()
	require.NotNil(t, current)
	assert.True(t, strings.HasPrefix(current.ID, "run_"))
	assert.False(t, current.Finished())

	err := svc.Execute(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	select {
	case err := <-firstDone:
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not finish")
	}

	var skipped []models.TrainingStatus
	for _, s := range recorder.statuses() {
		if s.Status == models.StatusSkipped {
			skipped = append(skipped, s)
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, models.PipelineStep(""), skipped[0].Step)
	assert.Equal(t, "Training already in progress", skipped[0].Message)
	assert.Equal(t, 1, recorder.countStatus(models.StatusStarted))

	assert.Equal(t, models.RunStateIdle, svc.State())
	assert.Nil(t, svc.CurrentRun())
}

func TestExecute_ConcurrentTriggersSingleWinner(t *testing.T) {
	config := newTestConfig(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{
		result: interfaces.ExitResult{ExitCode: 1},
		onRun: func() {
			entered <- struct{}{}
			<-release
		},
	})

	svc, recorder := newTestService(t, config, runner)

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- svc.Execute(context.Background())
		}()
	}

	waitSignal(t, entered)

	// every loser is rejected while the winner still holds the guard
	for i := 0; i < attempts-1; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, ErrAlreadyRunning)
		case <-time.After(2 * time.Second):
			t.Fatal("rejected attempt did not return")
		}
	}

	close(release)
	select {
	case err := <-results:
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
	case <-time.After(2 * time.Second):
		t.Fatal("winning run did not finish")
	}

	assert.Equal(t, 1, recorder.countStatus(models.StatusStarted))
	assert.Equal(t, attempts-1, recorder.countStatus(models.StatusSkipped))
	assert.Equal(t, models.RunStateIdle, svc.State())
}

func TestTrigger_AlwaysAcknowledgesAccepted(t *testing.T) {
	config := newTestConfig(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	runner := newFakeRunner()
	runner.set("convert-data", fakeBehavior{
		result: interfaces.ExitResult{ExitCode: 1},
		onRun: func() {
			entered <- struct{}{}
			<-release
		},
	})

	svc, recorder := newTestService(t, config, runner)

	ack := svc.Trigger(context.Background(), map[string]interface{}{"source": "neo4j"})
	assert.Equal(t, models.TriggerAccepted, ack.Status)
	assert.Equal(t, "Training triggered", ack.Message)

	waitSignal(t, entered)

	// second trigger acks accepted too; the rejection is only observable
	// as a skipped event on the stream
	ack = svc.Trigger(context.Background(), nil)
	assert.Equal(t, models.TriggerAccepted, ack.Status)
	assert.Equal(t, "Training triggered", ack.Message)

	require.Eventually(t, func() bool {
		return recorder.countStatus(models.StatusSkipped) == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return svc.LastRun() != nil && svc.State() == models.RunStateIdle
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, recorder.countStatus(models.StatusStarted))
}
