package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/settings"
)

// Global flags
type globalFlags struct {
	configPath    string
	logLevel      string
	verbosity     int
	coloredOutput string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - agent-less configuration management",
		Long: `converge configures hosts from shell manifests and types.

The initial manifest declares objects by calling one command per type.
Every object runs the explorers, the manifest and the code generators of
its type once all objects it requires are done. Generated code runs
locally and, through ssh, on the target host.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "g", "", "settings file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "", "log level name or number")
	rootCmd.PersistentFlags().CountVarP(&flags.verbosity, "verbose", "v", "increase verbosity, may be repeated")
	rootCmd.PersistentFlags().StringVar(&flags.coloredOutput, "colored-output", "", "colour log output: auto, always or never")

	rootCmd.AddCommand(newConfigCommand(flags, version))
	rootCmd.AddCommand(newGraphCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// verbosityLevels maps -v counts to log levels.
var verbosityLevels = []string{"warning", "info", "verbose", "debug", "trace"}

// loadSettings reads the settings file and environment and applies the
// global flags. apply may change further fields before validation.
func (f *globalFlags) loadSettings(apply func(s *settings.Settings)) (*settings.Settings, error) {
	s, err := settings.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.verbosity > 0 {
		s.LogLevel = verbosityLevels[min(f.verbosity, len(verbosityLevels)-1)]
	}
	if f.logLevel != "" {
		s.LogLevel = f.logLevel
	}
	if f.coloredOutput != "" {
		s.ColoredOutput = f.coloredOutput
	}
	if apply != nil {
		apply(s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
