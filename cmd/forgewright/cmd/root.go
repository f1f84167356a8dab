package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anti-entropy/forgewright/internal/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool
	quiet     bool

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "forgewright",
	Short: "Autonomous coding-agent orchestrator",
	Long: `forgewright drives coding-CLI agents (Claude Code, Codex, Gemini,
Copilot) end-to-end against git worktrees: it hands a task to an agent,
supervises the run against a deadline, and opens a pull request once the
agent finishes and the changes are approved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .forgewright/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress non-essential output")
}

// newConfigLoader builds a config.Loader pre-bound to the root command's
// persistent flags, so every subcommand loads configuration the same way
// and with the same CLI-flag precedence.
func newConfigLoader() *config.Loader {
	v := viper.New()
	loader := config.NewLoaderWithViper(v)
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	return loader
}
