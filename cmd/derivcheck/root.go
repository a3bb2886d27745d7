package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/curioloop/derivop/backend"
)

var (
	configPath  string
	verbose     bool
	problemName string
	sigma       float64
	weight      float64
	seed        uint64
	trials      int
	concurrency int
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "derivcheck",
		Short: "Check synthesized derivative operators against analytic references",
		Long: `derivcheck builds the derivative bundle of a built-in problem with the
configured backend, evaluates every operator at the representative point and at
random nearby points, and reports the largest deviation from the analytic
derivatives together with the number of backend preparations and applications.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		RunE: runCheck,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "backend config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every preparation")

	rootCmd.Flags().StringVarP(&problemName, "problem", "p", "hs071", "built-in problem to check")
	rootCmd.Flags().Float64Var(&sigma, "sigma", 1, "objective weight of the lagrangian")
	rootCmd.Flags().Float64Var(&weight, "weight", 1, "problem parameter scaling the objective")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "seed of the random evaluation points")
	rootCmd.Flags().IntVar(&trials, "trials", 5, "number of random evaluation points")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel constraint hessian preparations")

	rootCmd.AddCommand(newProblemsCommand())
	return rootCmd
}

func newProblemsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "problems",
		Short: "List the built-in problems",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tN\tM\tDESCRIPTION")
			for _, name := range problemNames() {
				p := problems[name]
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", p.name, len(p.x0), p.m, p.summary)
			}
			w.Flush()
		},
	}
}

func loadConfig() (backend.Config, error) {
	if configPath == "" {
		return backend.Config{}, nil
	}
	f, err := os.Open(configPath)
	if err != nil {
		return backend.Config{}, err
	}
	defer f.Close()
	return backend.LoadConfig(f)
}
