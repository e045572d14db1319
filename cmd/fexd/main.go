package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fexd/fexd/internal/fexlog"
	"github.com/fexd/fexd/internal/version"
)

var (
	flagDebug    bool
	flagVerbose  int
	flagNoLocks  bool
	flagConfig   string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:     "fexd",
	Short:   "fexd peer-synchronized watchpoint daemon",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		closeLog, err := fexlog.Setup(fexlog.Options{
			Debug:   flagDebug,
			Verbose: flagVerbose,
			LogFile: flagLogFile,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "fexd: %v\n", err)
			return err
		}
		defer closeLog()

		showBanner()
		slog.Info("fexd starting", "version", version.Version, "revision", version.Revision)

		d, err := NewDaemon(flagConfig, flagNoLocks)
		if err != nil {
			slog.Error("fexd: failed to build daemon", "error", err)
			return exitCode(2, err)
		}

		defer slog.Info("fexd: bye")
		if err := d.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
			slog.Error("fexd: daemon exited with error", "error", err)
			return exitCode(2, err)
		}
		return nil
	},
}

// daemonError carries the exit code of a RunE failure built by exitCode;
// the daemonization-specific "exit 2" cases are logged here, main finds
// them via asDaemonError and exits with their code, and any other RunE
// error exits 1.
type daemonError struct {
	code int
	err  error
}

func (e *daemonError) Error() string { return e.err.Error() }
func (e *daemonError) Unwrap() error { return e.err }

func exitCode(code int, err error) error {
	return &daemonError{code: code, err: err}
}

const fexdArt = `
 _____              _
|   __|___ _ _ ___ | |
|   __| -_|_'_|   ||  _|
|__|  |___|_,_|_|_||_|
`

// showBanner prints a colorized startup banner, the way the teacher's
// showSyftBoxHeader does for its own CLI.
func showBanner() {
	color.New(color.FgHiCyan, color.Bold).Print(fexdArt + "\n")
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.Flags().BoolVarP(&flagNoLocks, "no-locks", "l", false, "disable advisory file-lock relaying")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to fexd config file")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "/var/log/fexd.log", "path to fexd log file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var de *daemonError
		if ok := asDaemonError(err, &de); ok {
			os.Exit(de.code)
		}
		os.Exit(1)
	}
}

func asDaemonError(err error, target **daemonError) bool {
	for err != nil {
		if de, ok := err.(*daemonError); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
