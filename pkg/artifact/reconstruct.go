package artifact

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/puguard/pkg/detectors/lstm"
	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/scaler"
)

// Reconstructed is a model and scaler rebuilt from an artifact.
//
// When NeedsRetraining is set the model is freshly initialized, Warning explains
// why, and its scores carry no meaning.
type Reconstructed struct {
	Model           *lstm.Model
	Scaler          *scaler.Standard
	Config          ModelConfig
	FeatureNames    []string
	NeedsRetraining bool
	Warning         *errs.ArchitectureMismatchWarning
}

type reconstructOptions struct {
	arch *lstm.Architecture
	log  logrus.FieldLogger
}

// Option configures Reconstruct.
type Option func(*reconstructOptions)

// WithArchitecture builds the model from arch instead of the stored architecture.
// Tensor shapes are only compared with arch when the model first scores.
func WithArchitecture(arch lstm.Architecture) Option {
	return func(o *reconstructOptions) {
		o.arch = &arch
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *reconstructOptions) {
		o.log = l
	}
}

// Reconstruct builds a fresh model from the artifact's architecture and loads its
// weights. A legacy key set yields an untrained model tagged NeedsRetraining.
func Reconstruct(a *Artifact, opts ...Option) (*Reconstructed, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	o := reconstructOptions{log: quiet}
	for _, opt := range opts {
		opt(&o)
	}

	arch := a.Config.Architecture
	if o.arch != nil {
		arch = *o.arch
	}
	if err := arch.Validate(); err != nil {
		return nil, &errs.ArtifactIntegrityError{Path: a.Path, Reason: "model_config: " + err.Error()}
	}

	sc, err := scaler.FromParams(a.Scaler)
	if err != nil {
		return nil, errors.Wrap(err, "restore scaler")
	}

	model, err := lstm.New(arch, lstm.WithThreshold(a.Config.Threshold))
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}

	out := &Reconstructed{
		Model:        model,
		Scaler:       sc,
		Config:       a.Config,
		FeatureNames: append([]string(nil), a.FeatureNames...),
	}
	out.Config.Architecture = arch

	missing, unexpected := arch.KeyDiff(a.StateDict)
	if len(missing) > 0 || len(unexpected) > 0 {
		out.NeedsRetraining = true
		out.Warning = &errs.ArchitectureMismatchWarning{
			ArtifactKeys: a.WeightKeys(),
			Reason:       legacyReason(missing, unexpected),
		}
		o.log.WithFields(logrus.Fields{
			"path":       a.Path,
			"missing":    len(missing),
			"unexpected": len(unexpected),
		}).Warn(out.Warning.String())
		return out, nil
	}

	if err := model.LoadState(a.StateDict); err != nil {
		return nil, errors.Wrap(err, "load weights")
	}
	return out, nil
}

func legacyReason(missing, unexpected []string) string {
	var parts []string
	if len(unexpected) > 0 {
		parts = append(parts, "unknown weights ["+strings.Join(unexpected, ", ")+"]")
	}
	if len(missing) > 0 {
		parts = append(parts, "missing weights ["+strings.Join(missing, ", ")+"]")
	}
	return strings.Join(parts, "; ")
}
