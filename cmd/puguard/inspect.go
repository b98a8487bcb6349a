package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/puguard/internal/runstore"
	"github.com/hed1ad/puguard/pkg/artifact"
)

func inspectCmd() *cobra.Command {
	var withHistory bool

	cmd := &cobra.Command{
		Use:   "inspect ARTIFACT",
		Short: "print an artifact's config, feature schema and training summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := artifact.Load(args[0])
			if err != nil {
				return err
			}

			out := map[string]any{
				"path":          a.Path,
				"version":       a.Version,
				"model_config":  a.Config,
				"feature_names": a.FeatureNames,
				"weights":       a.WeightKeys(),
				"legacy":        a.Legacy(),
			}
			if a.Stats != nil {
				stats := *a.Stats
				if !withHistory {
					stats.History = nil
				}
				out["training_stats"] = stats
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&withHistory, "history", false, "include per-epoch history")
	return cmd
}

func runsCmd(load loader) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "list recorded training and evaluation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := runstore.Open(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), runstore.Kind(kind))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, r := range records {
				if err := enc.Encode(map[string]any{
					"id":         r.ID,
					"kind":       r.Kind,
					"status":     r.Status,
					"message":    r.Message,
					"artifact":   r.ArtifactPath,
					"updated_at": r.UpdatedAt,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind: training or evaluation")
	return cmd
}
