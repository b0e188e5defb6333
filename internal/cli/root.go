package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Exit codes returned by Execute.
const (
	ExitPass            = 0
	ExitThresholdFailed = 1
	ExitAborted         = 2
	ExitUsage           = 3
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "volley",
	Short:   "Virtual-user load generator for HTTP routers",
	Version: version,
	Long: `Volley drives load against an HTTP router with virtual users. Scenarios
pick an executor (constant or ramping VUs, constant or ramping arrival
rate, per-VU or shared iterations), every request is measured, and
thresholds decide whether the run passed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "volley %s\n", version)
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return exitCode(RootCmd.ErrOrStderr(), RootCmd.Execute())
}

func exitCode(w io.Writer, err error) int {
	if err == nil {
		return ExitPass
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(w, "Error:", ee.err)
		}
		return ee.code
	}
	// Anything cobra rejects before a command runs is a usage error.
	fmt.Fprintln(w, "Error:", err)
	return ExitUsage
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(presetsCmd)
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(versionCmd)
}
