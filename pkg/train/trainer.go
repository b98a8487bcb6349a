// Package train runs positive-unlabeled training of the recurrent scorer.
//
// A run splits the P and U pools chronologically, extracts window features per
// split, fits the scaler on the training split only, and optimizes the
// non-negative PU risk. The checkpoint with the best validation F1 is restored
// before the run completes.
package train

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/puguard/pkg/detectors/lstm"
	"github.com/hed1ad/puguard/pkg/pu"
	"github.com/hed1ad/puguard/pkg/scaler"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
)

// Result is a completed run and everything needed to build an artifact.
type Result struct {
	Run          *Run
	Model        *lstm.Model
	Scaler       *scaler.Standard
	FeatureNames []string
	Recipe       Recipe
}

// Trainer executes training runs.
type Trainer struct {
	cfg      Config
	log      logrus.FieldLogger
	progress func(Progress)
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Trainer) {
		t.log = l
	}
}

// WithProgress registers a callback for progress events. It must not block.
func WithProgress(fn func(Progress)) Option {
	return func(t *Trainer) {
		t.progress = fn
	}
}

// New creates a Trainer for cfg.
func New(cfg Config, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	t := &Trainer{cfg: cfg, log: quiet}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the trainer's configuration.
func (t *Trainer) Config() Config { return t.cfg }

// Run trains on the given pools. run must be QUEUED; it ends COMPLETED with a
// Result or FAILED with the originating error. ctx is checked between epochs only.
func (t *Trainer) Run(ctx context.Context, run *Run, positives, unlabeled []series.Sample) (res *Result, err error) {
	log := t.log.WithField("job_id", run.ID)

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("training panicked: %v", r)
		}
		if err != nil {
			run.Fail(err)
			log.WithError(err).Error("training failed")
			t.emit(run, Progress{Stage: StageFailed, Message: err.Error()})
			res = nil
		}
	}()

	if err := run.Transition(StatusRunning); err != nil {
		return nil, err
	}
	t.emit(run, Progress{Stage: StagePrepare, Message: "preparing dataset"})

	recipe := t.cfg.Recipe()
	required := []split.Name{split.Train, split.Validation}
	if t.cfg.TestRatio > 0 {
		required = append(required, split.Test)
	}
	prep, err := recipe.Prepare(positives, unlabeled, log, required...)
	if err != nil {
		return nil, err
	}
	run.SplitCounts = prep.Splits.Counts()
	run.FeatureRows = make(map[split.Name]int, len(split.Names))
	for _, name := range split.Names {
		run.FeatureRows[name] = prep.Matrix(name).Len()
	}
	run.Instability.NonFinite += prep.NonFinite

	trainM, valM := prep.Matrix(split.Train), prep.Matrix(split.Validation)

	sc := scaler.New()
	if err := sc.Fit(trainM.Rows); err != nil {
		return nil, errors.Wrap(err, "fit scaler")
	}
	trainX, err := sc.Transform(trainM.Rows)
	if err != nil {
		return nil, errors.Wrap(err, "scale train")
	}
	valX, err := sc.Transform(valM.Rows)
	if err != nil {
		return nil, errors.Wrap(err, "scale validation")
	}

	model, err := lstm.New(t.cfg.Architecture(len(trainM.Names)),
		lstm.WithSeed(t.cfg.Seed),
		lstm.WithThreshold(t.cfg.Threshold),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}

	if err := t.fit(ctx, run, model, trainX, trainM.Targets(), valX, valM.Targets()); err != nil {
		return nil, err
	}

	if err := run.Transition(StatusCompleted); err != nil {
		return nil, err
	}
	best, _ := run.Best()
	t.emit(run, Progress{
		Epoch:   run.BestEpoch,
		ValLoss: best.ValLoss,
		ValF1:   best.ValF1,
		Stage:   StageComplete,
		Message: fmt.Sprintf("best epoch %d (val F1 %.4f)", run.BestEpoch, run.BestF1),
	})
	log.WithFields(logrus.Fields{
		"best_epoch": run.BestEpoch,
		"best_f1":    run.BestF1,
		"epochs":     len(run.History),
		"clamps":     run.Instability.Clamps,
	}).Info("training completed")

	return &Result{
		Run:          run,
		Model:        model,
		Scaler:       sc,
		FeatureNames: trainM.Names,
		Recipe:       recipe,
	}, nil
}

// fit runs the epoch loop and leaves the best-F1 weights in model.
func (t *Trainer) fit(ctx context.Context, run *Run, model *lstm.Model, trainX [][]float64, trainY []float64, valX [][]float64, valY []float64) error {
	est := pu.Estimator{Prior: t.cfg.ClassPrior, Beta: t.cfg.Beta}
	opt, err := NewOptimizer(t.cfg)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(t.cfg.Seed))
	stop := newStopper(t.cfg.Patience)

	var best lstm.StateDict
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "cancelled before epoch %d", epoch)
		}
		start := time.Now()

		stats, err := t.epoch(model, est, opt, rng, trainX, trainY)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		stats.Epoch = epoch

		probs, err := model.Predict(valX)
		if err != nil {
			return errors.Wrapf(err, "validate epoch %d", epoch)
		}
		valRisk, _, err := est.Evaluate(probs, valY)
		if err != nil {
			return err
		}
		m := Score(probs, valY, t.cfg.Threshold)
		stats.ValLoss = valRisk.Loss
		stats.ValPrecision, stats.ValRecall, stats.ValF1 = m.Precision, m.Recall, m.F1
		stats.Duration = time.Since(start)

		run.History = append(run.History, stats)
		run.Instability.Clamps += stats.Clamps

		improved, halt := stop.observe(epoch, m.F1)
		if improved {
			best = model.State()
			run.BestEpoch, run.BestF1 = epoch, m.F1
		}

		t.log.WithFields(logrus.Fields{
			"job_id":     run.ID,
			"epoch":      epoch,
			"train_loss": stats.TrainLoss,
			"val_loss":   stats.ValLoss,
			"val_f1":     stats.ValF1,
			"clamp_rate": stats.ClampRate(),
		}).Info("epoch finished")
		if stats.Clamps > 0 {
			t.log.WithFields(logrus.Fields{
				"job_id": run.ID,
				"epoch":  epoch,
				"count":  stats.Clamps,
			}).Warn("negative risk clamped")
		}
		t.emit(run, Progress{
			Epoch:     epoch,
			TrainLoss: stats.TrainLoss,
			ValLoss:   stats.ValLoss,
			ValF1:     stats.ValF1,
			Stage:     StageEpoch,
		})

		if t.cfg.EarlyStopping && halt {
			run.StoppedEarly = true
			t.log.WithFields(logrus.Fields{
				"job_id":     run.ID,
				"epoch":      epoch,
				"best_epoch": run.BestEpoch,
			}).Info("early stopping")
			break
		}
	}

	return errors.Wrap(model.LoadState(best), "restore best checkpoint")
}

// epoch performs one shuffled pass of mini-batch updates.
func (t *Trainer) epoch(model *lstm.Model, est pu.Estimator, opt Optimizer, rng *rand.Rand, x [][]float64, y []float64) (EpochStats, error) {
	var stats EpochStats
	order := rng.Perm(len(x))
	var lossSum float64

	for lo := 0; lo < len(order); lo += t.cfg.BatchSize {
		hi := lo + t.cfg.BatchSize
		if hi > len(order) {
			hi = len(order)
		}

		rows := make([][]float64, hi-lo)
		targets := make([]float64, hi-lo)
		for i, idx := range order[lo:hi] {
			rows[i] = x[idx]
			targets[i] = y[idx]
		}

		pass, err := model.Forward(lstm.AsSequences(rows))
		if err != nil {
			return stats, err
		}
		risk, dprobs, err := est.Evaluate(pass.Probs, targets)
		if err != nil {
			return stats, err
		}
		grads, err := model.Backward(pass, dprobs)
		if err != nil {
			return stats, err
		}
		ClipNorm(grads, t.cfg.GradClipNorm)
		model.Update(func(params map[string][]float64) {
			opt.Step(params, grads)
		})

		stats.Batches++
		if risk.Clamped {
			stats.Clamps++
		}
		lossSum += risk.Loss
	}

	if stats.Batches > 0 {
		stats.TrainLoss = lossSum / float64(stats.Batches)
	}
	return stats, nil
}

func (t *Trainer) emit(run *Run, p Progress) {
	if t.progress == nil {
		return
	}
	p.JobID = run.ID
	p.TotalEpochs = t.cfg.Epochs
	p.Timestamp = time.Now().UTC()
	t.progress(p)
}

// stopper tracks the best validation F1 and the epochs since it last improved.
type stopper struct {
	patience  int
	best      float64
	bestEpoch int
	since     int
}

func newStopper(patience int) *stopper {
	return &stopper{patience: patience, best: -1}
}

// observe records an epoch's F1. improved is true for a strictly better score;
// halt is true once patience epochs have passed without one.
func (s *stopper) observe(epoch int, f1 float64) (improved, halt bool) {
	if f1 > s.best {
		s.best, s.bestEpoch, s.since = f1, epoch, 0
		return true, false
	}
	s.since++
	return false, s.since >= s.patience
}
