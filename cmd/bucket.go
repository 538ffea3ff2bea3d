package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/bucketing"
)

var bucketFlags struct {
	salt    string
	traffic int
	weights []string
}

var bucketCmd = &cobra.Command{
	Use:   "bucket <experiment> [visitor-id]",
	Short: "Show the traffic bucket of a visitor for an experiment",
	Long: "Computes the MurmurHash3 bucket in [0,100) for the visitor. Without a\n" +
		"visitor id the locally stored visitor is used.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		visitor := ""
		if len(args) == 2 {
			visitor = args[1]
		} else {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			visitor = c.Identity().VisitorID()
			closeClient(cmd, c)
		}

		weights, err := parseWeights(bucketFlags.weights)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		b := bucketing.Bucket(args[0], visitor, bucketFlags.salt)
		fmt.Fprintf(out, "visitor:  %s\n", visitor)
		fmt.Fprintf(out, "bucket:   %d\n", b)
		if cmd.Flags().Changed("traffic") {
			fmt.Fprintf(out, "traffic:  %t\n", bucketing.InTraffic(b, bucketFlags.traffic))
		}
		if len(weights) > 0 {
			v, ok := bucketing.Choose(b, weights)
			if !ok {
				return fmt.Errorf("no variation has a positive weight")
			}
			fmt.Fprintf(out, "variation: %s\n", v)
		}
		return nil
	},
}

// parseWeights reads key=weight pairs.
func parseWeights(pairs []string) ([]bucketing.Weighted, error) {
	var out []bucketing.Weighted
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("weight %q is not variation=weight", p)
		}
		w, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", p, err)
		}
		out = append(out, bucketing.Weighted{Key: k, Weight: w})
	}
	return out, nil
}

func init() {
	bucketCmd.Flags().StringVar(&bucketFlags.salt, "salt", "", "optional salt appended to the hash key")
	bucketCmd.Flags().IntVar(&bucketFlags.traffic, "traffic", 100, "traffic allocation percent to test the bucket against")
	bucketCmd.Flags().StringSliceVar(&bucketFlags.weights, "weights", nil, "variation weights, e.g. control=50,treatment=50")
	rootCmd.AddCommand(bucketCmd)
}
