package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CraigKelly/prefetch/dist"
	"github.com/CraigKelly/prefetch/model"
	"github.com/CraigKelly/prefetch/rand"
	"github.com/CraigKelly/prefetch/sampler"
	"github.com/CraigKelly/prefetch/tree"
)

func newRunCmd(v *viper.Viper, stdout io.Writer, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sample the mean of normal observations",
		Long: `run reads whitespace separated observations, assumes they are normal
with known sigma and a normal prior on the mean, and writes a chain of
posterior draws for the mean to stdout, one per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := newStartupParams(v, stdout, stderr)
			if err != nil {
				return err
			}
			defer sp.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return RunChain(ctx, sp)
		},
	}

	cmd.Flags().StringP("data", "d", "", "Observations file to read")
	cmd.Flags().IntP("iters", "n", 10000, "Number of chain values to output")
	cmd.Flags().Int("tree-size", 3, "Proposal tree node count (2^L-1)")
	cmd.Flags().Float64("jump-scale", 0.05, "Standard deviation of the gaussian jump kernel")
	cmd.Flags().Float64("init", 2.1, "Initial chain value")
	cmd.Flags().Float64("sigma", model.DefaultSigma, "Known observation standard deviation")
	cmd.Flags().Float64("prior-mean", model.DefaultPriorMean, "Prior mean of the unknown mean")
	cmd.Flags().Float64("prior-sd", model.DefaultPriorSD, "Prior standard deviation of the unknown mean")
	cmd.Flags().Int("burn-in", 0, "Chain steps to discard before output")
	cmd.Flags().Int("window", sampler.DefaultWindow, "Recent value window for progress reports")
	cmd.Flags().Bool("monitor", false, "Serve expvar and prometheus metrics over HTTP")
	cmd.Flags().String("monitor-addr", ":8000", "Address for --monitor")

	return cmd
}

// treeConfig reads the shared tree settings
func treeConfig(v *viper.Viper) (tree.Config, error) {
	walk, err := tree.ParseWalk(v.GetString("walk"))
	if err != nil {
		return tree.Config{}, err
	}
	cfg := tree.Config{
		Workers:         v.GetInt("workers"),
		Walk:            walk,
		AllowIncomplete: v.GetBool("allow-incomplete"),
	}
	return cfg, nil
}

// RunChain samples the normal model described by the startup params
func RunChain(ctx context.Context, sp *startupParams) error {
	v := sp.cfg

	dataFile := v.GetString("data")
	if dataFile == "" {
		return errors.New("An observations file is required (--data)")
	}

	iters := v.GetInt("iters")
	if iters < 1 {
		return errors.Errorf("Invalid iteration count %d", iters)
	}

	sp.out.Printf("Reading observations from %s\n", dataFile)
	mod, err := model.NewNormalModelFromFile(dataFile)
	if err != nil {
		return err
	}
	mod.Sigma = v.GetFloat64("sigma")
	mod.PriorMean = v.GetFloat64("prior-mean")
	mod.PriorSD = v.GetFloat64("prior-sd")
	if err := mod.Check(); err != nil {
		return errors.Wrap(err, "Invalid model settings")
	}
	sp.out.Printf("Model has %d observations\n", len(mod.Obs))

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

	size := v.GetInt("tree-size")
	samp, err := sampler.NewPrefetch(mod.LogPosterior, jump, dist.StdUniform{}, gen, size, cfg)
	if err != nil {
		return err
	}

	x0 := v.GetFloat64("init")
	e0, err := mod.LogPosterior(x0)
	if err != nil {
		return errors.Wrapf(err, "Could not evaluate initial value %v", x0)
	}

	var mon *monitor
	if v.GetBool("monitor") {
		mon = newMonitor()
		if err := mon.Start(v.GetString("monitor-addr")); err != nil {
			return err
		}
		defer mon.Stop()
		mon.Configure(size, iters, v.GetInt("burn-in"))
	}

	startTime := time.Now()
	sp.out.Printf("Tree size %d, walk %v, burn in %d\n", size, cfg.Walk, v.GetInt("burn-in"))

	ch, err := sampler.NewChain(ctx, samp, x0, e0, v.GetInt("burn-in"), v.GetInt("window"))
	if err != nil {
		return err
	}

	w := bufio.NewWriter(sp.stdout)
	defer w.Flush()

	lastReport := startTime
	ch.OnBatch = func(values []float64, densities []float64) error {
		for i, val := range values {
			if _, err := fmt.Fprintf(w, "%.10g\n", val); err != nil {
				return errors.Wrap(err, "Could not write chain value")
			}
			if sp.trace != nil {
				sp.trace.Printf("%.10g\t%.10g\n", val, densities[i])
			}
		}

		if mon != nil {
			mon.Update(ch, time.Since(startTime))
		}

		if time.Since(lastReport) > 5*time.Second {
			lastReport = time.Now()
			sp.out.Printf(
				"Values:%d Batches:%d Accept:%.3f RecentMean:%.5f\n",
				ch.Len(), ch.Stats.Batches, ch.Stats.AcceptRate(), ch.Recent.Mean(),
			)
		}
		return nil
	}

	if err := ch.Grow(ctx, iters); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "Could not write chain output")
	}

	sp.out.Printf("Done in %v\n", time.Since(startTime))
	sp.out.Printf(
		"Values:%d Batches:%d Evaluations:%d Accept:%.3f\n",
		ch.Len(), ch.Stats.Batches, ch.Stats.Evaluations, ch.Stats.AcceptRate(),
	)
	sp.out.Printf(
		"RecentMean:%.5f ExactMean:%.5f ExactSD:%.5f\n",
		ch.Recent.Mean(), mod.PosteriorMean(), mod.PosteriorSD(),
	)

	return nil
}

