package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantrydev/gantry/pkg/config"
	"github.com/gantrydev/gantry/pkg/policy"
)

// validationReport is the machine-readable result of a validate run.
type validationReport struct {
	Manifest     string                   `json:"manifest"`
	Environments []string                 `json:"environments"`
	Errors       []config.ValidationError `json:"errors,omitempty"`
	Policies     []string                 `json:"policies"`
	Valid        bool                     `json:"valid"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the manifest and policies",
		Long: `Validate the deployment manifest and the configured policies.

The manifest is parsed with every diagnostic collected rather than stopping
at the first, so one run surfaces all problems: CUE syntax, schema
conformance, per-environment field validation. Policy files from the
settings are compiled exactly as the gate compiles them.`,
		Example: `  # Validate the default manifest
  gantry validate

  # Validate a specific manifest file or directory
  gantry validate ./deploy

  # Machine-readable report
  gantry validate --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}

			path := resolveManifestPath(settings)
			if len(args) > 0 {
				path = args[0]
			}

			log.Debug().Str("path", path).Msg("Validating manifest")

			parser := config.NewManifestParser()
			pm, err := parser.Parse(ctx, []string{path})
			if err != nil {
				return err
			}

			report := validationReport{
				Manifest:     path,
				Environments: pm.EnvironmentNames(),
				Errors:       pm.Errors,
			}

			if len(report.Errors) == 0 {
				if err := parser.Validate(ctx, pm); err != nil {
					report.Errors = append(report.Errors, config.ValidationError{
						File:     path,
						Message:  err.Error(),
						Severity: "error",
					})
				}
			}

			gate, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if err := gate.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
				report.Errors = append(report.Errors, config.ValidationError{
					Message:  err.Error(),
					Severity: "error",
				})
			}
			for _, p := range gate.ListPolicies() {
				report.Policies = append(report.Policies, p.Name)
			}

			report.Valid = len(report.Errors) == 0

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("validation failed with %d error(s)", len(report.Errors))
				}
				return nil
			}

			for _, e := range report.Errors {
				fmt.Fprintf(os.Stderr, "✗ %s\n", formatValidationError(e))
			}
			if !report.Valid {
				return fmt.Errorf("validation failed with %d error(s)", len(report.Errors))
			}

			fmt.Printf("✓ manifest %s: %d environment(s)", path, len(report.Environments))
			if len(report.Environments) > 0 {
				fmt.Printf(" (%s)", strings.Join(report.Environments, ", "))
			}
			fmt.Println()
			fmt.Printf("✓ policies: %s\n", strings.Join(report.Policies, ", "))
			fmt.Println("✅ configuration is valid")

			return nil
		},
	}

	return cmd
}

// formatValidationError renders one diagnostic with whatever location
// information it carries.
func formatValidationError(e config.ValidationError) string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "[%s] ", e.Path)
	}
	b.WriteString(e.Message)
	return b.String()
}
