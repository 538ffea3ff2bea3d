package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/pulse"
	"github.com/fakeyudi/pulse/internal/tracker"
)

var tailFromStart bool

var tailCmd = &cobra.Command{
	Use:   "tail <file>",
	Short: "Follow a newline-delimited JSON event file and stream new events",
	Long: "Watches the file for appended lines and tracks each event. Malformed\n" +
		"lines are reported as error events. Runs until interrupted; on SIGINT or\n" +
		"SIGTERM the queue is handed to the teardown transport.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ft := &tracker.FileTracker{Path: args[0], FromStart: tailFromStart, Logger: log}
		c, err := buildClient(cmd, pulse.WithTracker(ft), pulse.WithSignalTeardown())
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)
		ft.Emitter = tracker.EmitterFunc(c.Track)
		if err := c.Start(commandContext(cmd)); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "tailing %s (session %s), Ctrl-C to stop\n", args[0], c.Identity().SessionID())
		select {
		case <-commandContext(cmd).Done():
		case <-c.Terminated():
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "send lines already in the file before following it")
	rootCmd.AddCommand(tailCmd)
}
