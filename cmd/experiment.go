package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/experiment"
)

var variationCmd = &cobra.Command{
	Use:   "variation <experiment>",
	Short: "Show the variation assigned to this visitor, requesting one if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		out := cmd.OutOrStdout()
		v := c.Experiments().GetVariation(commandContext(cmd), args[0])
		if v == nil {
			fmt.Fprintln(out, "not assigned")
			return nil
		}
		fmt.Fprintf(out, "variation: %s\n", v.Key)
		if v.Name != "" {
			fmt.Fprintf(out, "name:      %s\n", v.Name)
		}
		if len(v.Configuration) > 0 {
			data, err := sonic.ConfigStd.MarshalIndent(v.Configuration, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "configuration:\n%s\n", data)
		}
		return nil
	},
}

var trackFlags struct {
	value float64
	props []string
}

var trackCmd = &cobra.Command{
	Use:   "track <experiment> <event>",
	Short: "Record a conversion event for an experiment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(trackFlags.props)
		if err != nil {
			return err
		}
		var value *float64
		if cmd.Flags().Changed("value") {
			v := trackFlags.value
			value = &v
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		res := c.Experiments().Track(commandContext(cmd), args[0], args[1], value, props)
		if !res.Success {
			return fmt.Errorf("track %s/%s: %s", args[0], args[1], res.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tracked %s (%s)\n", args[1], res.EventID)
		return nil
	},
}

var identifyTraits []string

var identifyCmd = &cobra.Command{
	Use:   "identify <user-id>",
	Short: "Associate this visitor with a user identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		traits, err := parseProps(identifyTraits)
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		c.Identify(args[0], traits)
		fmt.Fprintf(cmd.OutOrStdout(), "visitor %s identified as %s\n", c.Identity().VisitorID(), args[0])
		return nil
	},
}

var experimentsAll bool

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "List experiments from the collector configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		ctx := commandContext(cmd)
		exps := c.Experiments().ActiveExperiments(ctx)
		if experimentsAll {
			exps = c.Experiments().Experiments(ctx)
		}
		printExperiments(cmd.OutOrStdout(), exps, c.Experiments().Assignments())
		return nil
	},
}

// printExperiments writes one line per experiment, marking the cached
// assignment when there is one.
func printExperiments(w io.Writer, exps []experiment.Experiment, assigned map[string]experiment.Assignment) {
	if len(exps) == 0 {
		fmt.Fprintln(w, "no experiments")
		return
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i].Key < exps[j].Key })
	for _, e := range exps {
		status := e.Status
		if status == "" {
			status = "running"
		}
		line := fmt.Sprintf("%-24s %-10s %d variations", e.Key, status, len(e.Variations))
		if a, ok := assigned[e.Key]; ok {
			line += "  -> " + a.VariationKey
		}
		fmt.Fprintln(w, line)
	}
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the visitor, user, session and cached assignments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer closeClient(cmd, c)

		c.Experiments().Reset()
		fmt.Fprintf(cmd.OutOrStdout(), "new visitor %s\n", c.Identity().VisitorID())
		return nil
	},
}

func init() {
	trackCmd.Flags().Float64Var(&trackFlags.value, "value", 0, "numeric event value, e.g. revenue")
	trackCmd.Flags().StringSliceVar(&trackFlags.props, "prop", nil, "event property as key=value (repeatable)")
	identifyCmd.Flags().StringSliceVar(&identifyTraits, "trait", nil, "user trait as key=value (repeatable)")
	experimentsCmd.Flags().BoolVar(&experimentsAll, "all", false, "include experiments that are not running")

	rootCmd.AddCommand(variationCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(experimentsCmd)
	rootCmd.AddCommand(resetCmd)
}
