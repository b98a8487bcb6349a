package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/puguard/internal/runstore"
	"github.com/hed1ad/puguard/pkg/artifact"
	"github.com/hed1ad/puguard/pkg/evaluate"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
	"github.com/hed1ad/puguard/pkg/train"
)

// Recorder persists run status transitions.
type Recorder interface {
	Record(ctx context.Context, r runstore.Record) error
}

// Runner executes jobs in background goroutines, one goroutine per job.
type Runner struct {
	registry    *Registry
	broadcaster *Broadcaster
	store       Recorder
	evaluator   *evaluate.Evaluator
	artifactDir string
	log         logrus.FieldLogger

	mu   sync.Mutex
	done map[string]chan struct{}
	wg   sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRecorder persists every status change to store.
func WithRecorder(store Recorder) RunnerOption {
	return func(r *Runner) {
		r.store = store
	}
}

// WithEvaluator sets the evaluator used by evaluation jobs.
func WithEvaluator(e *evaluate.Evaluator) RunnerOption {
	return func(r *Runner) {
		r.evaluator = e
	}
}

// NewRunner creates a runner saving artifacts under artifactDir.
func NewRunner(registry *Registry, broadcaster *Broadcaster, artifactDir string, log logrus.FieldLogger, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:    registry,
		broadcaster: broadcaster,
		artifactDir: artifactDir,
		log:         log,
		done:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.evaluator == nil {
		r.evaluator = evaluate.New(evaluate.WithLogger(log))
	}
	r.evaluator = r.evaluator.With(evaluate.WithStarted(func(run *evaluate.Run) {
		r.setStatus(context.Background(), run.ID, runstore.KindEvaluation, run.Status, "", run.ArtifactPath, run)
	}))
	return r
}

// SubmitTraining queues a training job and returns its ID.
func (r *Runner) SubmitTraining(ctx context.Context, cfg train.Config, positives, unlabeled []series.Sample) (string, error) {
	var run *train.Run
	trainer, err := train.New(cfg,
		train.WithLogger(r.log),
		train.WithProgress(func(p train.Progress) {
			// Prepare is emitted right after the run moves to RUNNING.
			if p.Stage == train.StagePrepare {
				r.setStatus(ctx, run.ID, runstore.KindTraining, run.Status, "", "", run)
			}
			r.broadcaster.Publish(p)
		}),
	)
	if err != nil {
		return "", err
	}

	job := r.registry.Create(runstore.KindTraining)
	run = train.NewRun(job.ID, cfg)
	r.registry.Update(job.ID, func(j *Job) { j.Training = run })
	r.record(ctx, job.ID, runstore.KindTraining, run.Status, "", "", run)

	r.start(job.ID, func() {
		res, err := trainer.Run(ctx, run, positives, unlabeled)
		if err != nil {
			r.setStatus(ctx, job.ID, runstore.KindTraining, train.StatusFailed, err.Error(), "", run)
			return
		}

		a, err := artifact.New(res)
		if err == nil {
			var path string
			path, err = a.Save(r.artifactDir, job.ID)
			if err == nil {
				r.log.WithFields(logrus.Fields{"job_id": job.ID, "path": path}).Info("artifact saved")
				r.setStatus(ctx, job.ID, runstore.KindTraining, train.StatusCompleted, "", path, run)
				return
			}
		}
		err = errors.Wrap(err, "save artifact")
		r.log.WithError(err).WithField("job_id", job.ID).Error("training job failed")
		r.setStatus(ctx, job.ID, runstore.KindTraining, train.StatusFailed, err.Error(), "", run)
	})
	return job.ID, nil
}

// SubmitEvaluation queues an evaluation of the artifact at path over scope.
func (r *Runner) SubmitEvaluation(ctx context.Context, path string, scope split.Name, positives, unlabeled []series.Sample) (string, error) {
	job := r.registry.Create(runstore.KindEvaluation)
	run := evaluate.NewRun(job.ID, path, scope)
	r.registry.Update(job.ID, func(j *Job) {
		j.Evaluation = run
		j.ArtifactPath = path
	})
	r.record(ctx, job.ID, runstore.KindEvaluation, run.Status, "", path, run)

	r.start(job.ID, func() {
		res, err := r.evaluator.Run(ctx, run, positives, unlabeled)
		if err != nil {
			r.setStatus(ctx, job.ID, runstore.KindEvaluation, train.StatusFailed, err.Error(), path, run)
			return
		}
		msg := ""
		if res.NeedsRetraining {
			msg = res.Warning.String()
		}
		r.setStatus(ctx, job.ID, runstore.KindEvaluation, train.StatusCompleted, msg, path, run)
	})
	return job.ID, nil
}

// Wait blocks until the job finishes or ctx ends and returns its final snapshot.
func (r *Runner) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	done, ok := r.done[id]
	r.mu.Unlock()
	if !ok {
		return Job{}, errors.Wrap(ErrUnknownJob, id)
	}

	select {
	case <-done:
		return r.registry.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Shutdown waits for every running job.
func (r *Runner) Shutdown() {
	r.wg.Wait()
}

func (r *Runner) start(id string, fn func()) {
	done := make(chan struct{})
	r.mu.Lock()
	r.done[id] = done
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		fn()
	}()
}

func (r *Runner) setStatus(ctx context.Context, id string, kind runstore.Kind, status train.Status, msg, path string, meta any) {
	r.registry.Update(id, func(j *Job) {
		j.Status = status
		j.Message = msg
		if path != "" {
			j.ArtifactPath = path
		}
	})
	r.record(ctx, id, kind, status, msg, path, meta)
}

// record writes to the store. A store failure is logged and never fails the job.
func (r *Runner) record(ctx context.Context, id string, kind runstore.Kind, status train.Status, msg, path string, meta any) {
	if r.store == nil {
		return
	}
	b, err := json.Marshal(meta)
	if err != nil {
		r.log.WithError(err).WithField("job_id", id).Warn("encode run metadata")
		b = nil
	}
	rec := runstore.Record{
		ID:           id,
		Kind:         kind,
		Status:       string(status),
		Message:      msg,
		ArtifactPath: path,
		Metadata:     b,
	}
	if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.log.WithError(err).WithField("job_id", id).Error("record run status")
	}
}
