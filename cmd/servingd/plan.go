package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"servingd/internal/config"
	"servingd/internal/manager"
	"servingd/internal/storage"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Parse and validate a configuration file",
		Example: "  servingd validate --config models.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d models, %d pipelines, %d libraries\n",
				len(cfg.Models), len(cfg.Pipelines), len(cfg.Libraries))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", envStr("SERVINGD_CONFIG", ""), "Configuration file (.json, .yaml, .toml, .hcl)")
	return cmd
}

// planEntry is one line of `servingd plan` output.
type planEntry struct {
	Model     string  `json:"model"`
	BasePath  string  `json:"base_path"`
	Policy    string  `json:"policy"`
	Available []int64 `json:"available"`
	Desired   []int64 `json:"desired"`
	Error     string  `json:"error,omitempty"`
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the versions each model would serve under its version policy",
		Long: "plan lists the versions present in every model repository and applies the " +
			"model's version policy. Only local repositories are listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := stderrLogger(opts)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			res := &storage.Resolver{Local: storage.NewLocal(log)}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, mc := range cfg.Models {
				if err := enc.Encode(planModel(cmd.Context(), res, mc)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", envStr("SERVINGD_CONFIG", ""), "Configuration file (.json, .yaml, .toml, .hcl)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func planModel(ctx context.Context, res *storage.Resolver, mc config.ModelConfig) planEntry {
	e := planEntry{Model: mc.Name, BasePath: mc.BasePath, Available: []int64{}, Desired: []int64{}}
	policy, err := manager.PolicyFromConfig(mc.VersionPolicy)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Policy = policy.String()
	st, err := res.For(mc.BasePath)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	if ctx == nil {
		ctx = context.Background()
	}
	avail, err := st.ListAvailableVersions(ctx, mc.BasePath)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Available = avail
	if d := policy.Filter(avail); d != nil {
		e.Desired = d
	}
	return e
}
