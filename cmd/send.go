package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/tracker"
)

var sendCmd = &cobra.Command{
	Use:   "send [file|-]",
	Short: "Send newline-delimited JSON events to the collector",
	Long: "Reads one tracking event per line from the file, or from stdin when the\n" +
		"file is '-' or omitted, batches them and delivers them before exiting.",
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
		sent, skipped, err := sendLines(in, c.Track, func(line int, err error) {
			cmd.PrintErrf("line %d skipped: %v\n", line, err)
		})
		if err != nil {
			closeClient(cmd, c)
			return err
		}
		if err := c.Close(context.Background()); err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d events (%d skipped)\n", sent, skipped)
		return nil
	},
}

// sendLines parses each non-blank line of r and hands valid events to track.
func sendLines(r io.Reader, track tracker.EmitterFunc, onSkip func(line int, err error)) (sent, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		ev, perr := tracker.ParseEvent([]byte(raw))
		if perr != nil {
			skipped++
			onSkip(line, perr)
			continue
		}
		track(ev)
		sent++
	}
	return sent, skipped, sc.Err()
}

var pageTitle string

var pageCmd = &cobra.Command{
	Use:   "page <url>",
	Short: "Record a pageview and deliver it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		c.Page(args[0], pageTitle)
		if err := c.Close(context.Background()); err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pageview sent for session %s\n", c.Identity().SessionID())
		return nil
	},
}

func init() {
	pageCmd.Flags().StringVar(&pageTitle, "title", "", "page title")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pageCmd)
}
