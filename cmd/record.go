package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/event"
)

var recordCmd = &cobra.Command{
	Use:   "record [file|-]",
	Short: "Upload newline-delimited replay events as a session recording",
	Long: "Starts a recording for the current session, feeds it one replay event\n" +
		"per line and stops it, which uploads the remaining buffer as the final\n" +
		"chunk. Large inputs are split into chunks of recording_max_events.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("file not found: %s", args[0])
				}
				return err
			}
			defer f.Close()
			in = f
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		rec := c.Recorder()
		rec.Start()

		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 4<<20)
		recorded, line := 0, 0
		for sc.Scan() {
			line++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" {
				continue
			}
			var ev event.ReplayEvent
			if err := sonic.ConfigStd.UnmarshalFromString(raw, &ev); err != nil {
				cmd.PrintErrf("line %d skipped: %v\n", line, err)
				continue
			}
			rec.Record(ev)
			recorded++
		}
		if err := sc.Err(); err != nil {
			closeClient(cmd, c)
			return err
		}

		if err := c.Close(context.Background()); err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %d events in %d chunks for session %s\n",
			recorded, rec.ChunkIndex(), c.Identity().SessionID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)
}
