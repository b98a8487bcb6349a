// Command puguard trains and evaluates positive-unlabeled anomaly scorers for
// electricity-meter series.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hed1ad/puguard/internal/config"
	"github.com/hed1ad/puguard/internal/jobs"
	"github.com/hed1ad/puguard/internal/logger"
	"github.com/hed1ad/puguard/internal/runstore"
	"github.com/hed1ad/puguard/pkg/artifact"
	"github.com/hed1ad/puguard/pkg/evaluate"
	"github.com/hed1ad/puguard/pkg/io/csv"
	"github.com/hed1ad/puguard/pkg/series"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logger.Get().WithError(err).Error("puguard failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "puguard",
		Short:         "positive-unlabeled anomaly scoring for meter series",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(trainCmd(load), evaluateCmd(load), inspectCmd(), runsCmd(load))
	return root
}

type loader func() (*config.Config, error)

// env is the wiring shared by the job-running commands.
type env struct {
	cfg         *config.Config
	store       *runstore.DB
	cache       *artifact.Cache
	broadcaster *jobs.Broadcaster
	runner      *jobs.Runner
}

func newEnv(cfg *config.Config) (*env, error) {
	if err := os.MkdirAll(cfg.Storage.ArtifactDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact dir")
	}
	store, err := runstore.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	cache, err := artifact.NewCache(cfg.Storage.CacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	log := logger.Get()
	b := jobs.NewBroadcaster()
	runner := jobs.NewRunner(jobs.NewRegistry(), b, cfg.Storage.ArtifactDir, log,
		jobs.WithRecorder(store),
		jobs.WithEvaluator(evaluate.New(evaluate.WithLogger(log), evaluate.WithCache(cache))),
	)
	return &env{cfg: cfg, store: store, cache: cache, broadcaster: b, runner: runner}, nil
}

func (e *env) Close() {
	e.runner.Shutdown()
	e.broadcaster.Close()
	e.store.Close()
}

// readPool loads one CSV export and labels every row as l.
func readPool(path string, channels []string, l series.Label) ([]series.Sample, error) {
	r, err := csv.NewReader(path, csv.WithChannels(channels...), csv.WithDefaultLabel(l))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer r.Close()

	samples, err := r.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if n := r.Skipped(); n > 0 {
		logger.Get().WithFields(logrus.Fields{"path": path, "count": n}).Warn("skipped malformed rows")
	}
	return series.WithLabel(samples, l), nil
}
