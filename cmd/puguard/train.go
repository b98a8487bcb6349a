package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hed1ad/puguard/internal/logger"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/train"
)

func trainCmd(load loader) *cobra.Command {
	var positivesPath, unlabeledPath string
	var epochs int

	cmd := &cobra.Command{
		Use:   "train",
		Short: "train a scorer from positive and unlabeled exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if epochs > 0 {
				cfg.Training.Epochs = epochs
			}

			positives, err := readPool(positivesPath, cfg.Training.Channels, series.Positive)
			if err != nil {
				return err
			}
			unlabeled, err := readPool(unlabeledPath, cfg.Training.Channels, series.Unlabeled)
			if err != nil {
				return err
			}

			e, err := newEnv(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			sub, events := e.broadcaster.Subscribe(64)
			defer e.broadcaster.Unsubscribe(sub)
			go logProgress(events)

			id, err := e.runner.SubmitTraining(cmd.Context(), cfg.Training, positives, unlabeled)
			if err != nil {
				return err
			}
			job, err := e.runner.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			if job.Status != train.StatusCompleted {
				return errors.Errorf("training job %s %s: %s", job.ID, job.Status, job.Message)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"job_id":        job.ID,
				"artifact":      job.ArtifactPath,
				"best_epoch":    job.Training.BestEpoch,
				"best_f1":       job.Training.BestF1,
				"stopped_early": job.Training.StoppedEarly,
				"instability":   job.Training.Instability,
				"split_counts":  job.Training.SplitCounts,
			})
		},
	}

	cmd.Flags().StringVarP(&positivesPath, "positives", "p", "", "CSV export of confirmed anomalous rows")
	cmd.Flags().StringVarP(&unlabeledPath, "unlabeled", "u", "", "CSV export of unlabeled rows")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "override training.epochs")
	cmd.MarkFlagRequired("positives")
	cmd.MarkFlagRequired("unlabeled")
	return cmd
}

func logProgress(events <-chan train.Progress) {
	log := logger.Get()
	for p := range events {
		log.WithFields(logrus.Fields{
			"job_id":     p.JobID,
			"stage":      p.Stage,
			"epoch":      p.Epoch,
			"epochs":     p.TotalEpochs,
			"train_loss": p.TrainLoss,
			"val_loss":   p.ValLoss,
			"val_f1":     p.ValF1,
		}).Debug(p.Message)
	}
}
