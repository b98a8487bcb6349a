package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/puguard/internal/logger"
	"github.com/hed1ad/puguard/internal/runstore"
	"github.com/hed1ad/puguard/pkg/artifact"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
	"github.com/hed1ad/puguard/pkg/train"
)

type memRecorder struct {
	mu      sync.Mutex
	records []runstore.Record
	err     error
}

func (m *memRecorder) Record(_ context.Context, r runstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return m.err
}

func (m *memRecorder) statuses(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		if r.ID == id {
			out = append(out, r.Status)
		}
	}
	return out
}

// assertMetadataInSync checks each persisted row against the run status in its metadata.
func (m *memRecorder) assertMetadataInSync(t *testing.T, id string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID != id {
			continue
		}
		var meta struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(r.Metadata, &meta))
		assert.Equal(t, r.Status, meta.Status)
	}
}

func pools(n int, seed int64) (positives, unlabeled []series.Sample) {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		load := 2 + rng.NormFloat64()*0.1
		ia := load / 0.69
		s := series.Sample{Timestamp: start.Add(time.Duration(i) * time.Hour)}
		if rng.Float64() < 0.1 {
			ia *= 0.1
			s.Label = series.Positive
		}
		s.Values = []float64{load, ia, load / 0.69, load / 0.69}
		if s.Label == series.Positive {
			positives = append(positives, s)
		} else {
			unlabeled = append(unlabeled, s)
		}
	}
	return positives, unlabeled
}

func smallConfig() train.Config {
	cfg := train.DefaultConfig()
	cfg.HiddenSize = 8
	cfg.NumLayers = 1
	cfg.Epochs = 2
	return cfg
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a := r.Create(runstore.KindTraining)
	b := r.Create(runstore.KindEvaluation)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
	assert.Equal(t, train.StatusQueued, a.Status)

	require.NoError(t, r.Update(a.ID, func(j *Job) { j.Status = train.StatusRunning }))
	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, train.StatusRunning, got.Status)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	// Snapshots are copies.
	got.Status = train.StatusFailed
	again, _ := r.Get(a.ID)
	assert.Equal(t, train.StatusRunning, again.Status)

	list := r.List()
	require.Len(t, list, 2)
	assert.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))

	require.NoError(t, r.Delete(b.ID))
	_, err = r.Get(b.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, r.Delete(b.ID), ErrUnknownJob)
	assert.ErrorIs(t, r.Update(b.ID, func(*Job) {}), ErrUnknownJob)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()

	fast, fastCh := b.Subscribe(4)
	_, slowCh := b.Subscribe(1)

	for i := 1; i <= 3; i++ {
		b.Publish(train.Progress{Epoch: i})
	}

	// The slow subscriber keeps the first event and misses the rest.
	assert.Equal(t, 1, (<-slowCh).Epoch)
	assert.Equal(t, int64(2), b.Dropped())
	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, (<-fastCh).Epoch)
	}

	b.Unsubscribe(fast)
	_, open := <-fastCh
	assert.False(t, open)
	b.Unsubscribe(fast)

	b.Close()
	_, open = <-slowCh
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	b.Publish(train.Progress{})
}

func newRunner(t *testing.T, rec Recorder) (*Runner, *Broadcaster, string) {
	t.Helper()
	dir := t.TempDir()
	b := NewBroadcaster()
	r := NewRunner(NewRegistry(), b, dir, logger.Discard(), WithRecorder(rec))
	t.Cleanup(r.Shutdown)
	return r, b, dir
}

func TestRunnerTrainingAndEvaluation(t *testing.T) {
	rec := &memRecorder{}
	runner, b, dir := newRunner(t, rec)
	positives, unlabeled := pools(300, 1)
	ctx := context.Background()

	sub, events := b.Subscribe(256)
	defer b.Unsubscribe(sub)

	id, err := runner.SubmitTraining(ctx, smallConfig(), positives, unlabeled)
	require.NoError(t, err)

	job, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, train.StatusCompleted, job.Status)
	assert.Equal(t, runstore.KindTraining, job.Kind)
	require.NotNil(t, job.Training)
	assert.Equal(t, train.StatusCompleted, job.Training.Status)
	assert.FileExists(t, job.ArtifactPath)
	assert.Contains(t, job.ArtifactPath, dir)
	assert.Equal(t, []string{"QUEUED", "RUNNING", "COMPLETED"}, rec.statuses(id))
	rec.assertMetadataInSync(t, id)

	var stages []string
	for len(events) > 0 {
		stages = append(stages, (<-events).Stage)
	}
	assert.Contains(t, stages, train.StageEpoch)
	assert.Contains(t, stages, train.StageComplete)

	evalID, err := runner.SubmitEvaluation(ctx, job.ArtifactPath, split.Test, positives, unlabeled)
	require.NoError(t, err)
	ejob, err := runner.Wait(ctx, evalID)
	require.NoError(t, err)
	assert.Equal(t, train.StatusCompleted, ejob.Status)
	require.NotNil(t, ejob.Evaluation)
	require.NotNil(t, ejob.Evaluation.Result)
	assert.NotEmpty(t, ejob.Evaluation.Result.Scores)
	assert.Empty(t, ejob.Message)
	assert.Equal(t, []string{"QUEUED", "RUNNING", "COMPLETED"}, rec.statuses(evalID))
	rec.assertMetadataInSync(t, evalID)
}

func TestRunnerTrainingFailure(t *testing.T) {
	rec := &memRecorder{}
	runner, _, dir := newRunner(t, rec)
	positives, unlabeled := pools(300, 2)

	id, err := runner.SubmitTraining(context.Background(), smallConfig(), positives[:2], unlabeled)
	require.NoError(t, err)

	job, err := runner.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, train.StatusFailed, job.Status)
	assert.Contains(t, job.Message, "insufficient data")
	assert.Equal(t, job.Training.Message, job.Message)
	assert.Empty(t, job.ArtifactPath)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{"QUEUED", "RUNNING", "FAILED"}, rec.statuses(id))
	rec.assertMetadataInSync(t, id)
}

func TestRunnerRejectsInvalidConfig(t *testing.T) {
	runner, _, _ := newRunner(t, &memRecorder{})
	cfg := smallConfig()
	cfg.Optimizer = "lbfgs"

	_, err := runner.SubmitTraining(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestRunnerLegacyEvaluation(t *testing.T) {
	runner, _, dir := newRunner(t, &memRecorder{})
	positives, unlabeled := pools(300, 3)
	ctx := context.Background()

	id, err := runner.SubmitTraining(ctx, smallConfig(), positives, unlabeled)
	require.NoError(t, err)
	job, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, train.StatusCompleted, job.Status)

	a, err := artifact.Load(job.ArtifactPath)
	require.NoError(t, err)
	state := a.StateDict.Clone()
	state["fc.bias"] = state["fc2.bias"]
	delete(state, "fc2.bias")
	a.StateDict = state
	path, err := a.Save(dir, "legacy")
	require.NoError(t, err)

	evalID, err := runner.SubmitEvaluation(ctx, path, split.Test, positives, unlabeled)
	require.NoError(t, err)
	ejob, err := runner.Wait(ctx, evalID)
	require.NoError(t, err)
	assert.Equal(t, train.StatusCompleted, ejob.Status)
	assert.Contains(t, ejob.Message, "retraining required")
	assert.True(t, ejob.Evaluation.Result.NeedsRetraining)
}

func TestRunnerStoreFailureDoesNotFailJob(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	runner, _, _ := newRunner(t, rec)
	positives, unlabeled := pools(300, 4)

	id, err := runner.SubmitTraining(context.Background(), smallConfig(), positives, unlabeled)
	require.NoError(t, err)
	job, err := runner.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, train.StatusCompleted, job.Status)
	assert.Len(t, rec.statuses(id), 3)
}

func TestWaitUnknownJob(t *testing.T) {
	runner, _, _ := newRunner(t, nil)
	_, err := runner.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
