package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hed1ad/puguard/pkg/detectors"
	pio "github.com/hed1ad/puguard/pkg/io"
	"github.com/hed1ad/puguard/pkg/io/csv"
	"github.com/hed1ad/puguard/pkg/series"
	"github.com/hed1ad/puguard/pkg/split"
	"github.com/hed1ad/puguard/pkg/train"
)

func evaluateCmd(load loader) *cobra.Command {
	var positivesPath, unlabeledPath, scope, outPath string

	cmd := &cobra.Command{
		Use:   "evaluate ARTIFACT",
		Short: "score a split with a saved model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			e, err := newEnv(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.cache.Load(args[0])
			if err != nil {
				return err
			}
			channels := a.Config.Recipe.Channels

			positives, err := readPool(positivesPath, channels, series.Positive)
			if err != nil {
				return err
			}
			unlabeled, err := readPool(unlabeledPath, channels, series.Unlabeled)
			if err != nil {
				return err
			}

			id, err := e.runner.SubmitEvaluation(cmd.Context(), args[0], split.Name(scope), positives, unlabeled)
			if err != nil {
				return err
			}
			job, err := e.runner.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			if job.Status != train.StatusCompleted {
				return errors.Errorf("evaluation job %s %s: %s", job.ID, job.Status, job.Message)
			}

			res := job.Evaluation.Result
			if outPath != "" && !res.NeedsRetraining {
				if err := writeScores(outPath, res.Scores, res.Labels); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"job_id": job.ID,
				"result": res,
			})
		},
	}

	cmd.Flags().StringVarP(&positivesPath, "positives", "p", "", "CSV export of confirmed anomalous rows")
	cmd.Flags().StringVarP(&unlabeledPath, "unlabeled", "u", "", "CSV export of unlabeled rows")
	cmd.Flags().StringVarP(&scope, "scope", "s", string(split.Test), "split to score: train, validation, test or all")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write per-window scores to this CSV file")
	cmd.MarkFlagRequired("positives")
	cmd.MarkFlagRequired("unlabeled")
	return cmd
}

func writeScores(path string, scores []detectors.Score, labels []series.Label) error {
	w, err := csv.NewWriter(path)
	if err != nil {
		return errors.Wrap(err, "create score file")
	}
	rows := make([]pio.Result, len(scores))
	for i, s := range scores {
		rows[i] = pio.Result{Timestamp: s.Timestamp, Score: s.Value, IsAnomaly: s.IsAnomaly, Label: labels[i]}
	}
	if err := w.WriteAll(rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
