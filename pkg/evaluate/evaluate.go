// Package evaluate scores a saved model on a chronological split of new or
// historical data, using exactly the preparation recorded in the artifact.
//
// The evaluator never refits anything: the scaler is restored and only applied,
// and the split and window parameters come from the artifact's model config.
// Reconstruction problems are never papered over. A legacy artifact produces a
// result flagged NeedsRetraining with no scores, and any width disagreement
// between features and model aborts the run.
package evaluate

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/puguard/pkg/artifact"
	"github.com/hed1ad/puguard/pkg/detectors"
	"github.com/hed1ad/puguard/pkg/detectors/lstm"
	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/features"
	"github.com/hed1ad/puguard/pkg/pu"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
	"github.com/hed1ad/puguard/pkg/train"
)

// ScopeAll evaluates every split in chronological order.
const ScopeAll split.Name = "all"

// Run is the mutable record of one evaluation job.
type Run struct {
	ID           string       `json:"id"`
	ArtifactPath string       `json:"artifact_path"`
	Scope        split.Name   `json:"scope"`
	Status       train.Status `json:"status"`
	Message      string       `json:"message,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`
}

// NewRun creates a queued evaluation of the artifact at path over scope.
func NewRun(id, path string, scope split.Name) *Run {
	return &Run{
		ID:           id,
		ArtifactPath: path,
		Scope:        scope,
		Status:       train.StatusQueued,
		CreatedAt:    time.Now().UTC(),
	}
}

func (r *Run) transition(to train.Status) error {
	if !train.CanTransition(r.Status, to) {
		return errors.Errorf("evaluation %s: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	now := time.Now().UTC()
	if to == train.StatusRunning {
		r.StartedAt = now
	} else {
		r.FinishedAt = now
	}
	return nil
}

func (r *Run) fail(err error) {
	if r.Status.Terminal() {
		return
	}
	r.Message = err.Error()
	r.Status = train.StatusFailed
	r.FinishedAt = time.Now().UTC()
}

// Result is the outcome of scoring one scope.
type Result struct {
	Scope           split.Name                        `json:"scope"`
	NeedsRetraining bool                              `json:"needs_retraining"`
	Warning         *errs.ArchitectureMismatchWarning `json:"warning,omitempty"`
	FeatureNames    []string                          `json:"feature_names"`
	Threshold       float64                           `json:"threshold"`
	Scores          []detectors.Score                 `json:"-"`
	Labels          []series.Label                    `json:"-"`
	Metrics         train.Metrics                     `json:"metrics"`
	// Risk is set when the artifact records the class prior it was trained with.
	Risk        *pu.Risk                `json:"risk,omitempty"`
	Instability errs.NumericInstability `json:"instability"`
}

// Probabilities returns the score values in row order.
func (r *Result) Probabilities() []float64 {
	out := make([]float64, len(r.Scores))
	for i, s := range r.Scores {
		out[i] = s.Value
	}
	return out
}

// Evaluator loads artifacts and scores data with them.
type Evaluator struct {
	log   logrus.FieldLogger
	cache *artifact.Cache
	arch  *lstm.Architecture

	started func(*Run)
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Evaluator) {
		e.log = l
	}
}

// WithCache loads artifacts through c.
func WithCache(c *artifact.Cache) Option {
	return func(e *Evaluator) {
		e.cache = c
	}
}

// WithArchitecture rebuilds models with arch rather than the stored architecture.
func WithArchitecture(arch lstm.Architecture) Option {
	return func(e *Evaluator) {
		e.arch = &arch
	}
}

// WithStarted calls fn once a run has moved to RUNNING, before the artifact loads.
func WithStarted(fn func(*Run)) Option {
	return func(e *Evaluator) {
		e.started = fn
	}
}

// With returns a copy of e with opts applied. The copy shares e's cache.
func (e *Evaluator) With(opts ...Option) *Evaluator {
	c := *e
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	e := &Evaluator{log: quiet}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates run.ArtifactPath over run.Scope. run must be QUEUED and ends
// COMPLETED or FAILED; a failure keeps the originating message. ctx is checked
// before the model scores.
func (e *Evaluator) Run(ctx context.Context, run *Run, positives, unlabeled []series.Sample) (res *Result, err error) {
	log := e.log.WithFields(logrus.Fields{"job_id": run.ID, "artifact": run.ArtifactPath})

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("evaluation panicked: %v", r)
		}
		if err != nil {
			run.fail(err)
			log.WithError(err).Error("evaluation failed")
			res = nil
			return
		}
		run.Result = res
		if terr := run.transition(train.StatusCompleted); terr != nil {
			res, err = nil, terr
		}
	}()

	if err := run.transition(train.StatusRunning); err != nil {
		return nil, err
	}
	if e.started != nil {
		e.started(run)
	}

	a, err := e.load(run.ArtifactPath)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, a, run.Scope, positives, unlabeled)
}

// Evaluate scores scope with an already loaded artifact.
func (e *Evaluator) Evaluate(ctx context.Context, a *artifact.Artifact, scope split.Name, positives, unlabeled []series.Sample) (*Result, error) {
	log := e.log.WithField("artifact", a.Path)

	var opts []artifact.Option
	opts = append(opts, artifact.WithLogger(log))
	if e.arch != nil {
		opts = append(opts, artifact.WithArchitecture(*e.arch))
	}
	rec, err := artifact.Reconstruct(a, opts...)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Scope:        scope,
		FeatureNames: rec.FeatureNames,
		Threshold:    rec.Config.Threshold,
	}
	if rec.NeedsRetraining {
		res.NeedsRetraining = true
		res.Warning = rec.Warning
		return res, nil
	}

	m, nonFinite, err := e.prepare(rec.Config.Recipe, scope, positives, unlabeled, log)
	if err != nil {
		return nil, err
	}
	res.Instability.NonFinite = nonFinite

	if err := train.CheckFeatureNames(rec.FeatureNames, m.Names); err != nil {
		return nil, errors.Wrap(err, "feature schema")
	}
	x, err := rec.Scaler.Transform(m.Rows)
	if err != nil {
		return nil, errors.Wrap(err, "scale features")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probs, err := rec.Model.Predict(x)
	if err != nil {
		return nil, errors.Wrap(err, "score")
	}

	flags := detectors.Classify(probs, res.Threshold)
	res.Scores = make([]detectors.Score, len(probs))
	for i, p := range probs {
		res.Scores[i] = detectors.Score{
			Value:     p,
			IsAnomaly: flags[i],
			Timestamp: m.Timestamps[i],
			Features:  x[i],
		}
	}
	res.Labels = m.Labels

	targets := m.Targets()
	res.Metrics = train.Score(probs, targets, res.Threshold)
	if a.Stats != nil {
		est := pu.Estimator{Prior: a.Stats.Config.ClassPrior, Beta: a.Stats.Config.Beta}
		if risk, _, err := est.Evaluate(probs, targets); err == nil {
			res.Risk = &risk
		}
	}

	log.WithFields(logrus.Fields{
		"scope":     scope,
		"rows":      len(probs),
		"f1":        res.Metrics.F1,
		"precision": res.Metrics.Precision,
		"recall":    res.Metrics.Recall,
	}).Info("evaluation scored")
	return res, nil
}

// prepare recomputes the split and features for scope.
func (e *Evaluator) prepare(recipe train.Recipe, scope split.Name, positives, unlabeled []series.Sample, log logrus.FieldLogger) (*features.Matrix, int, error) {
	if scope != ScopeAll {
		if !scope.Valid() {
			return nil, 0, errors.Errorf("unknown evaluation scope %q", scope)
		}
		prep, err := recipe.Prepare(positives, unlabeled, log, scope)
		if err != nil {
			return nil, 0, err
		}
		return prep.Matrix(scope), prep.NonFinite, nil
	}

	prep, err := recipe.Prepare(positives, unlabeled, log)
	if err != nil {
		return nil, 0, err
	}
	all := &features.Matrix{Names: recipe.FeatureNames()}
	for _, name := range split.Names {
		m := prep.Matrix(name)
		all.Rows = append(all.Rows, m.Rows...)
		all.Timestamps = append(all.Timestamps, m.Timestamps...)
		all.Labels = append(all.Labels, m.Labels...)
		all.NonFinite += m.NonFinite
	}
	if err := all.Require("features/"+string(ScopeAll), recipe.WindowSize, len(positives)+len(unlabeled)); err != nil {
		return nil, 0, err
	}
	return all, prep.NonFinite, nil
}

func (e *Evaluator) load(path string) (*artifact.Artifact, error) {
	if e.cache != nil {
		return e.cache.Load(path)
	}
	return artifact.Load(path)
}
