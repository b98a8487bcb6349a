// Package artifact persists trained models as a single versioned file and rebuilds
// them for evaluation.
//
// An artifact holds five sections. model_state_dict, scaler, model_config and
// feature_names are required; a file missing any of them is rejected with
// *errs.ArtifactIntegrityError. training_stats is informational.
package artifact

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hed1ad/puguard/pkg/detectors/lstm"
	"github.com/hed1ad/puguard/pkg/errs"
	"github.com/hed1ad/puguard/pkg/scaler"
	"github.com/hed1ad/puguard/pkg/train"
)

// Format identifies puguard model files.
const Format = "puguard-model"

// Version is the artifact schema written by this package.
const Version = 2

// Extension is the file suffix used by Save.
const Extension = ".pgm"

// Section keys.
const (
	KeyStateDict     = "model_state_dict"
	KeyScaler        = "scaler"
	KeyModelConfig   = "model_config"
	KeyFeatureNames  = "feature_names"
	KeyTrainingStats = "training_stats"
)

// RequiredKeys must all be present for an artifact to load.
var RequiredKeys = []string{KeyStateDict, KeyScaler, KeyModelConfig, KeyFeatureNames}

// ModelConfig is everything needed to rebuild the model and its input pipeline.
type ModelConfig struct {
	ModelType    string            `json:"model_type"`
	Architecture lstm.Architecture `json:"architecture"`
	Recipe       train.Recipe      `json:"recipe"`
	Threshold    float64           `json:"threshold"`
}

// TrainingStats summarizes the run that produced the artifact.
type TrainingStats struct {
	JobID        string                  `json:"job_id"`
	Config       train.Config            `json:"config"`
	BestEpoch    int                     `json:"best_epoch"`
	BestF1       float64                 `json:"best_f1"`
	StoppedEarly bool                    `json:"stopped_early"`
	History      []train.EpochStats      `json:"history"`
	Instability  errs.NumericInstability `json:"instability"`
	CreatedAt    time.Time               `json:"created_at"`
}

// Artifact is a loaded or freshly built model bundle. Loaded artifacts are
// shared through Cache and must be treated as read-only.
type Artifact struct {
	Version      int
	StateDict    lstm.StateDict
	Scaler       scaler.Params
	Config       ModelConfig
	FeatureNames []string
	Stats        *TrainingStats

	// Path is set by Save and Load.
	Path string
}

// envelope is the on-disk layout.
type envelope struct {
	Format   string
	Version  int
	Sections map[string][]byte
}

// New bundles a training result.
func New(res *train.Result) (*Artifact, error) {
	if res == nil || res.Model == nil || res.Scaler == nil || res.Run == nil {
		return nil, errors.New("incomplete training result")
	}
	if !res.Scaler.Fitted() {
		return nil, scaler.ErrNotFitted
	}

	run := res.Run
	return &Artifact{
		Version:   Version,
		StateDict: res.Model.State(),
		Scaler:    res.Scaler.Params(),
		Config: ModelConfig{
			ModelType:    run.Config.ModelType,
			Architecture: res.Model.Architecture(),
			Recipe:       res.Recipe,
			Threshold:    res.Model.Threshold(),
		},
		FeatureNames: append([]string(nil), res.FeatureNames...),
		Stats: &TrainingStats{
			JobID:        run.ID,
			Config:       run.Config,
			BestEpoch:    run.BestEpoch,
			BestF1:       run.BestF1,
			StoppedEarly: run.StoppedEarly,
			History:      append([]train.EpochStats(nil), run.History...),
			Instability:  run.Instability,
			CreatedAt:    time.Now().UTC(),
		},
	}, nil
}

// Encode writes the artifact to w.
func (a *Artifact) Encode(w io.Writer) error {
	sections, err := a.sections()
	if err != nil {
		return err
	}
	env := envelope{Format: Format, Version: Version, Sections: sections}
	return errors.Wrap(gob.NewEncoder(w).Encode(env), "encode artifact")
}

func (a *Artifact) sections() (map[string][]byte, error) {
	sections := make(map[string][]byte, 5)

	var state bytes.Buffer
	if err := gob.NewEncoder(&state).Encode(a.StateDict); err != nil {
		return nil, errors.Wrap(err, "encode state dict")
	}
	sections[KeyStateDict] = state.Bytes()

	for key, v := range map[string]any{
		KeyScaler:       a.Scaler,
		KeyModelConfig:  a.Config,
		KeyFeatureNames: a.FeatureNames,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", key)
		}
		sections[key] = b
	}

	if a.Stats != nil {
		b, err := json.Marshal(a.Stats)
		if err != nil {
			return nil, errors.Wrap(err, "encode training stats")
		}
		sections[KeyTrainingStats] = b
	}
	return sections, nil
}

// Decode reads an artifact from r. path is only used in error messages.
func Decode(r io.Reader, path string) (*Artifact, error) {
	var env envelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, &errs.ArtifactIntegrityError{Path: path, Reason: "unreadable: " + err.Error()}
	}
	if env.Format != Format {
		return nil, &errs.ArtifactIntegrityError{Path: path, Reason: fmt.Sprintf("unknown format %q", env.Format)}
	}

	var missing []string
	for _, k := range RequiredKeys {
		if _, ok := env.Sections[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &errs.ArtifactIntegrityError{Path: path, Missing: missing}
	}

	a := &Artifact{Version: env.Version, Path: path}
	if err := gob.NewDecoder(bytes.NewReader(env.Sections[KeyStateDict])).Decode(&a.StateDict); err != nil {
		return nil, &errs.ArtifactIntegrityError{Path: path, Reason: "state dict: " + err.Error()}
	}
	for key, dst := range map[string]any{
		KeyScaler:       &a.Scaler,
		KeyModelConfig:  &a.Config,
		KeyFeatureNames: &a.FeatureNames,
	} {
		if err := json.Unmarshal(env.Sections[key], dst); err != nil {
			return nil, &errs.ArtifactIntegrityError{Path: path, Reason: key + ": " + err.Error()}
		}
	}
	if b, ok := env.Sections[KeyTrainingStats]; ok {
		a.Stats = new(TrainingStats)
		if err := json.Unmarshal(b, a.Stats); err != nil {
			return nil, &errs.ArtifactIntegrityError{Path: path, Reason: "training stats: " + err.Error()}
		}
	}
	return a, nil
}

// Save writes the artifact into dir under a unique timestamped name and returns
// its path. The file appears atomically.
func (a *Artifact) Save(dir, jobID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create artifact dir")
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp artifact")
	}
	defer os.Remove(tmp.Name())

	if err := a.Encode(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close temp artifact")
	}

	name := fmt.Sprintf("model_%s_%s%s", jobID, time.Now().UTC().Format("20060102T150405.000000000"), Extension)
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "publish artifact")
	}
	a.Path = path
	return path, nil
}

// Load reads and validates the artifact at path.
func Load(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open artifact")
	}
	defer f.Close()
	return Decode(f, path)
}

// WeightKeys returns the sorted state-dict keys.
func (a *Artifact) WeightKeys() []string {
	return a.StateDict.Keys()
}

// Legacy reports whether the stored weights belong to a structurally different
// model than the stored architecture describes.
func (a *Artifact) Legacy() bool {
	missing, unexpected := a.Config.Architecture.KeyDiff(a.StateDict)
	return len(missing) > 0 || len(unexpected) > 0
}
