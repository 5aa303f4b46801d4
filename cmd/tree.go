package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CraigKelly/prefetch/dist"
	"github.com/CraigKelly/prefetch/rand"
	"github.com/CraigKelly/prefetch/tree"
)

func newTreeCmd(v *viper.Viper, stdout io.Writer, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Build, print and walk one proposal tree",
		Long: `tree builds a single proposal tree over an identity log posterior,
prints every node's (current, proposal) pair in index order, then walks the
tree and prints the realized (value, log density) pairs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := newStartupParams(v, stdout, stderr)
			if err != nil {
				return err
			}
			defer sp.Close()

			density := v.GetFloat64("theta")
			if cmd.Flags().Changed("density") || v.InConfig("density") {
				density = v.GetFloat64("density")
			}

			return TreeDemo(context.Background(), sp, density)
		},
	}

	cmd.Flags().Int("tree-size", 7, "Proposal tree node count (2^L-1)")
	cmd.Flags().Float64("theta", 10, "Root state")
	cmd.Flags().Float64("density", 0, "Root log density (default is the identity posterior at theta)")
	cmd.Flags().Float64("jump-scale", 5, "Standard deviation of the gaussian jump kernel")

	return cmd
}

// TreeDemo prints the nodes of one tree and then its walk
func TreeDemo(ctx context.Context, sp *startupParams, density float64) error {
	v := sp.cfg

	cfg, err := treeConfig(v)
	if err != nil {
		return err
	}

	jump, err := dist.NewNormal(v.GetFloat64("jump-scale"))
	if err != nil {
		return err
	}

	gen, err := rand.NewGenerator(sp.randomSeed)
	if err != nil {
		return err
	}
	defer gen.Close()

	identity := func(x float64) (float64, error) { return x, nil }

	theta := v.GetFloat64("theta")
	tr, err := tree.New(theta, density, identity, jump, gen, v.GetInt("tree-size"), cfg)
	if err != nil {
		return err
	}
	sp.out.Printf("Tree has %d nodes over %d levels\n", tr.Len(), tr.Depth())

	thetas := tr.Thetas()
	proposals := tr.Proposals()

	fmt.Fprintln(sp.stdout, "Nodes prior to evaluation")
	for i := range thetas {
		fmt.Fprintf(sp.stdout, "%v\t%v\n", thetas[i], proposals[i])
	}

	sub, err := tr.Draw(ctx, dist.StdUniform{}, gen)
	if err != nil {
		return err
	}

	fmt.Fprintln(sp.stdout, "Drawing nodes")
	for i := range sub.Values {
		fmt.Fprintf(sp.stdout, "%v\t%v\n", sub.Values[i], sub.Densities[i])
		if sp.trace != nil {
			sp.trace.Printf("%.10g\t%.10g\n", sub.Values[i], sub.Densities[i])
		}
	}

	return nil
}
