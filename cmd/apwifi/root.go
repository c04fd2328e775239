package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apwifi/internal/minilog"
	"apwifi/internal/xerrors"
)

var (
	f_baseDir   string
	f_logLevel  string
	f_noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "apwifi",
	Short: "A wireless access-point network emulator",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch strings.ToLower(viper.GetString("log-level")) {
		case "debug":
			minilog.SetLevel(minilog.DEBUG)
		case "warn":
			minilog.SetLevel(minilog.WARN)
		case "error":
			minilog.SetLevel(minilog.ERROR)
		default:
			minilog.SetLevel(minilog.INFO)
		}

		minilog.SetColor(!viper.GetBool("no-color"))
		color.NoColor = viper.GetBool("no-color")

		if err := os.MkdirAll(viper.GetString("base-dir"), 0755); err != nil {
			return fmt.Errorf("creating base directory: %w", err)
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and translates the returned error into the
// process exit code spec.md §6 "CLI" specifies: 0 on clean stop, 1 on
// config error, 2 on external-tool failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("apwifi: %v", err))
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var xe *xerrors.Error
	if !errors.As(err, &xe) {
		return 1
	}

	switch xe.Tag() {
	case xerrors.ExternalTool:
		return 2
	default:
		return 1
	}
}

func init() {
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("APWIFI")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})

	rootCmd.PersistentFlags().StringVar(&f_baseDir, "base-dir", "/tmp/apwifi", "base directory for pidfiles and generated config")
	rootCmd.PersistentFlags().StringVar(&f_logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&f_noColor, "no-color", false, "disable ANSI coloring of log/CLI output")

	viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newSaveCmd())
	rootCmd.AddCommand(newLoadCmd())
	rootCmd.AddCommand(newStatusCmd())
}
