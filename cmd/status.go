package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/pulse"
	"github.com/fakeyudi/pulse/internal/tui"
)

var plainOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the visitor, session, queues and experiment assignments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		snap := snapshot(cmd, c)
		if plainOutput || !term.IsTerminal(os.Stdout.Fd()) {
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		}
		return tui.Run(snap)
	},
}

// snapshot collects the inspector state from c. Experiments are fetched only
// when the cached configuration is stale.
func snapshot(cmd *cobra.Command, c *pulse.Client) tui.Snapshot {
	ident := c.Identity()
	conf := c.Config()
	return tui.Snapshot{
		Endpoint:     conf.Endpoint,
		Storage:      conf.Storage,
		VisitorID:    ident.VisitorID(),
		SessionID:    ident.SessionID(),
		UserID:       ident.UserID(),
		LastActivity: ident.LastActivity(),
		Env:          ident.Environment(),
		QueueSize:    c.Batcher().QueueSize(),
		RetrySize:    c.Batcher().RetrySize(),
		Dropped:      c.Batcher().Dropped(),
		Recording:    c.Recorder().State(),
		ChunkIndex:   c.Recorder().ChunkIndex(),
		Buffered:     c.Recorder().Buffered(),
		Experiments:  c.Experiments().Experiments(commandContext(cmd)),
		Assignments:  c.Experiments().Assignments(),
	}
}

// printStatus writes a plain-text summary.
func printStatus(w io.Writer, s tui.Snapshot) {
	fmt.Fprintf(w, "Endpoint:   %s\n", s.Endpoint)
	fmt.Fprintf(w, "Storage:    %s\n", s.Storage)
	fmt.Fprintf(w, "Visitor:    %s\n", s.VisitorID)
	fmt.Fprintf(w, "Session:    %s\n", s.SessionID)
	if s.UserID != "" {
		fmt.Fprintf(w, "User:       %s\n", s.UserID)
	}
	if !s.LastActivity.IsZero() {
		fmt.Fprintf(w, "Last seen:  %s\n", s.LastActivity.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Recording:  %s (next chunk %d)\n", s.Recording, s.ChunkIndex)
	fmt.Fprintf(w, "Experiments: %d\n", len(s.Experiments))
	fmt.Fprintf(w, "Assignments: %d\n", len(s.Assignments))

	keys := make([]string, 0, len(s.Assignments))
	for k := range s.Assignments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s -> %s\n", k, s.Assignments[k].VariationKey)
	}
}

func init() {
	statusCmd.Flags().BoolVar(&plainOutput, "plain", false, "print a plain-text summary instead of the interactive view")
	rootCmd.AddCommand(statusCmd)
}
