package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/export"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Detection rules management",
	Long:  "Export and import detection rule definitions",
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export rules as NDJSON",
	Long: `Write rules as NDJSON followed by an export-details line. Without --ids every
custom (non-immutable) rule is exported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		var w io.Writer = cmd.OutOrStdout()
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			defer f.Close()
			w = f
		}

		ids, _ := cmd.Flags().GetStringSlice("ids")
		var details export.Details
		if len(ids) > 0 {
			details, err = export.ExportRules(ctx, repo, ids, w)
		} else {
			details, err = export.ExportAll(ctx, repo, w)
		}
		if err != nil {
			return err
		}

		logger.Info("Rules exported",
			"exported_count", details.ExportedCount,
			"missing_rules_count", details.MissingRulesCount,
		)
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from NDJSON or YAML",
	Long: `Create or update rules from an NDJSON export (.ndjson, .json) or a YAML rules
file (.yaml, .yml). Rules are matched on id; existing rules get a new version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Engine.RulesSource != "postgres" {
			return fmt.Errorf("rules import requires rules_source postgres, got %q", cfg.Engine.RulesSource)
		}
		rules, err := readRules(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, err := openRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		n, err := importRules(ctx, repo, rules)
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d rules\n", n, len(rules))
		return err
	},
}

func readRules(path string) ([]*models.RuleParams, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return repository.ReadRulesFile(path)
	case ".ndjson", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open rules file: %w", err)
		}
		defer f.Close()
		return export.ReadNDJSON(f)
	default:
		return nil, fmt.Errorf("unsupported rules file extension %q", filepath.Ext(path))
	}
}

func importRules(ctx context.Context, repo repository.Repository, rules []*models.RuleParams) (int, error) {
	for i, rule := range rules {
		if err := repo.UpsertRule(ctx, rule); err != nil {
			return i, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return len(rules), nil
}

func init() {
	rulesExportCmd.Flags().StringSlice("ids", nil, "rule ids to export (comma-separated)")
	rulesExportCmd.Flags().String("file", "", "write the export to a file instead of stdout")

	rulesCmd.AddCommand(rulesExportCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}
