// Package cli wires the command-line interface for the phimask engine.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (SRC_URI, SRC_DB, DST_URI, DST_DB, APP_LOG_LEVEL)
//  3. Configuration file values
//  4. Default values
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phimask.evalgo.org/common"
	"phimask.evalgo.org/config"
)

// Exit codes of the phimask binary.
const (
	ExitOK         = 0
	ExitConfig     = 2
	ExitConnection = 3
	ExitPartial    = 4
	ExitFatal      = 5
	ExitCancelled  = 130
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var cfgFile string

// RootCmd is the phimask entry point.
var RootCmd = &cobra.Command{
	Use:   "phimask",
	Short: "mask protected health information in document collections",
	Long: `phimask walks a document collection, applies a per-collection rule
set that replaces PHI fields with realistic synthetic values, and writes
the masked documents back in place or into a separate collection.

Runs are resumable: progress is checkpointed after every committed batch,
and documents that cannot be written after all retries are recorded to an
append-only dead-letter file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./phimask.yaml)")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
	RootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, with rotation")

	viper.BindPFlag("logging.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.file", RootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig installs defaults and environment bindings before any
// command runs. The config file itself is read in loadConfig so that a
// bad file maps to the config exit code instead of aborting cobra.
func initConfig() {
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
}

// loadConfig merges all sources and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitConfig
	}
	return ExitOK
}

func configureLogging(cfg *config.Config) error {
	return common.ConfigureLogger(common.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAge,
	})
}
