package train

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/split"
)

// Status is the lifecycle state of a training or evaluation run.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EpochStats records one epoch of training.
type EpochStats struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValLoss      float64       `json:"val_loss"`
	ValPrecision float64       `json:"val_precision"`
	ValRecall    float64       `json:"val_recall"`
	ValF1        float64       `json:"val_f1"`
	Batches      int           `json:"batches"`
	Clamps       int           `json:"clamps"`
	Duration     time.Duration `json:"duration"`
}

// ClampRate is the fraction of batches whose negative risk was clamped.
func (e EpochStats) ClampRate() float64 {
	return ratio(e.Clamps, e.Batches)
}

// Run is the mutable record of one training job. It is owned by a single Trainer
// for its lifetime.
type Run struct {
	ID      string `json:"id"`
	Config  Config `json:"config"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	History      []EpochStats `json:"history"`
	BestEpoch    int          `json:"best_epoch"`
	BestF1       float64      `json:"best_f1"`
	StoppedEarly bool         `json:"stopped_early"`

	Instability errs.NumericInstability           `json:"instability"`
	SplitCounts map[split.Name]split.ClassCounts `json:"split_counts,omitempty"`
	FeatureRows map[split.Name]int               `json:"feature_rows,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a queued run.
func NewRun(id string, cfg Config) *Run {
	return &Run{
		ID:        id,
		Config:    cfg,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition moves the run to a new status.
func (r *Run) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return errors.Errorf("run %s: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusRunning:
		r.StartedAt = now
	case StatusCompleted, StatusFailed:
		r.FinishedAt = now
	}
	return nil
}

// Fail moves the run to FAILED keeping err's message verbatim.
func (r *Run) Fail(err error) {
	if r.Status.Terminal() {
		return
	}
	r.Message = err.Error()
	r.Status = StatusFailed
	r.FinishedAt = time.Now().UTC()
}

// Best returns the history entry of the selected checkpoint.
func (r *Run) Best() (EpochStats, bool) {
	for _, e := range r.History {
		if e.Epoch == r.BestEpoch {
			return e, true
		}
	}
	return EpochStats{}, false
}

// Progress is a best-effort status message emitted while a job runs.
type Progress struct {
	JobID       string    `json:"job_id"`
	Epoch       int       `json:"epoch"`
	TotalEpochs int       `json:"total_epochs"`
	TrainLoss   float64   `json:"train_loss"`
	ValLoss     float64   `json:"val_loss"`
	ValF1       float64   `json:"val_f1"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stages reported in Progress.
const (
	StagePrepare  = "prepare"
	StageEpoch    = "epoch"
	StageComplete = "complete"
	StageFailed   = "failed"
)
