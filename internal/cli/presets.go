package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/config"
)

var presetsCmd = newPresetsCmd()

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets [name...]",
		Short: "Print the built-in presets as a config file",
		Long: `Print built-in presets as YAML. The output is a complete config file
that can be edited and passed back with "volley run --config".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromPresets("", args...)
			if err != nil {
				return withCode(ExitUsage, err)
			}

			out := cmd.OutOrStdout()
			for _, name := range config.ScenarioNames(cfg) {
				p, _ := config.LookupPreset(name)
				fmt.Fprintf(out, "# %s: %s\n", name, p.Description)
			}

			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return withCode(ExitUsage, fmt.Errorf("failed to encode presets: %w", err))
			}
			return enc.Close()
		},
	}
}

var validateCmd = newValidateCmd()

func newValidateCmd() *cobra.Command {
	var (
		configFile string
		baseURL    string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a test configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return withCode(ExitUsage, err)
			}
			applyBaseURL(cmd, cfg, baseURL)
			if err := cfg.Validate(); err != nil {
				return withCode(ExitUsage, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d scenarios, %d thresholded metrics)\n",
				configFile, len(cfg.Scenarios), len(cfg.Thresholds))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Test configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&baseURL, "base-url", DefaultBaseURL, "Router base URL used when the file has none")
	cmd.MarkFlagRequired("config")
	return cmd
}
