// Package commands holds the strategist CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/slyt3/strategist/internal/config"
	"github.com/slyt3/strategist/internal/logging"
)

var (
	flagConfig     string
	flagJournal    string
	flagJournalKey string
	flagLogLevel   string
)

// settings is the runtime configuration resolved before every command: the
// environment first, then any flag the user set.
var settings config.Runtime

var rootCmd = &cobra.Command{
	Use:           "strategist",
	Short:         "Cross-domain vault strategist",
	Long:          "strategist cycles Sentry, Deposit, Update and Settlement across an EVM chain, a Cosmos chain and a settlement domain, submitting settlements only with a verified proof.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := config.LoadRuntime()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("config") {
			rt.ConfigPath = flagConfig
		}
		if flags.Changed("journal") {
			rt.JournalPath = flagJournal
		}
		if flags.Changed("journal-key") {
			rt.JournalKeyPath = flagJournalKey
		}
		if flags.Changed("log-level") {
			rt.LogLevel = flagLogLevel
		}
		logging.SetLevel(rt.LogLevel)
		settings = rt
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "strategy document (.toml, .yaml); overrides STRATEGIST_CONFIG")
	pf.StringVar(&flagJournal, "journal", "", "journal database path; overrides STRATEGIST_JOURNAL")
	pf.StringVar(&flagJournalKey, "journal-key", "", "journal signing key path; overrides STRATEGIST_JOURNAL_KEY")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error; overrides STRATEGIST_LOG_LEVEL")
}

// Execute runs the root command and logs a failure.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		logging.Error("command_failed", logging.Fields{Component: "cli", Error: err.Error()})
		rootCmd.PrintErrln("Error:", err)
		return err
	}
	return nil
}
