package cmd

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// startupParams is everything a command needs once flags and config are read
type startupParams struct {
	verbose    bool
	randomSeed int64
	traceFile  string

	cfg    *viper.Viper
	stdout io.Writer   // chain values only
	out    *log.Logger // progress, silent unless verbose
	trace  *log.Logger // optional trace file, nil if none

	traceCloser io.Closer
}

func (sp *startupParams) Close() error {
	if sp.traceCloser == nil {
		return nil
	}
	err := sp.traceCloser.Close()
	sp.traceCloser = nil
	return err
}

// NewRootCmd builds the command tree writing chain output to stdout and
// chatter to stderr. Flags, PREFETCH_* environment variables and an optional
// YAML config file all feed the same settings, in that order of precedence.
func NewRootCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "prefetch",
		Short: "Prefetching Metropolis sampler",
		Long: `prefetch runs a random walk Metropolis chain with prefetching:
every short-term future of the chain is laid out as a binary tree of
proposals whose posterior densities are evaluated in parallel, then the
path the chain actually took is resolved serially.

  - run:  sample the mean of normal observations read from a file
  - tree: build, print and walk a single proposal tree
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return errors.Wrap(err, "Could not bind flags")
			}
			if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
				return errors.Wrap(err, "Could not bind inherited flags")
			}
			return readConfig(v, cfgFile)
		},
	}

	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.prefetch.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging (default is much more parsimonious)")
	rootCmd.PersistentFlags().Int64P("seed", "r", 13, "Random seed to use")
	rootCmd.PersistentFlags().StringP("trace", "t", "", "Optional trace file: value and log density per line")
	rootCmd.PersistentFlags().Int("workers", 0, "Max concurrent posterior evaluations (0 is GOMAXPROCS)")
	rootCmd.PersistentFlags().String("walk", "children", "Tree walk: children (true child nodes) or linear (+1/+2)")
	rootCmd.PersistentFlags().Bool("allow-incomplete", false, "Allow odd tree sizes that are not 2^L-1")

	rootCmd.AddCommand(newRunCmd(v, stdout, stderr))
	rootCmd.AddCommand(newTreeCmd(v, stdout, stderr))

	return rootCmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := NewRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// readConfig loads the named config file, or $HOME/.prefetch.yaml if it
// exists. An explicitly named file must exist.
func readConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("PREFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		def := filepath.Join(home, ".prefetch.yaml")
		if _, err := os.Stat(def); err != nil {
			return nil
		}
		cfgFile = def
	}

	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "Could not read config file %s", cfgFile)
	}
	return nil
}

// newStartupParams reads the shared settings and opens the trace file
func newStartupParams(v *viper.Viper, stdout io.Writer, stderr io.Writer) (*startupParams, error) {
	sp := &startupParams{
		verbose:    v.GetBool("verbose"),
		randomSeed: v.GetInt64("seed"),
		traceFile:  v.GetString("trace"),
		cfg:        v,
		stdout:     stdout,
	}

	chatter := ioutil.Discard
	if sp.verbose {
		chatter = stderr
	}
	sp.out = log.New(chatter, "", log.LstdFlags)

	if len(sp.traceFile) > 0 {
		f, err := os.Create(sp.traceFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not create trace file %s", sp.traceFile)
		}
		sp.trace = log.New(f, "", 0)
		sp.traceCloser = f
	}

	return sp, nil
}
