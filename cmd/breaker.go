package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pageindex/internal/resilience"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the circuit breaker of an inference target",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the breaker state for a provider/model key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		cb := st.Breakers.Get(breakerKeyFlag(cmd))
		failures, state := cb.Counters(ctx)
		printBreaker(os.Stdout, cb.Key(), state, failures)
		return nil
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the breaker for a provider/model key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		cb := st.Breakers.Get(breakerKeyFlag(cmd))
		if err := cb.Reset(ctx); err != nil {
			return eris.Wrapf(err, "reset breaker %s", cb.Key())
		}
		failures, state := cb.Counters(ctx)
		printBreaker(os.Stdout, cb.Key(), state, failures)
		return nil
	},
}

// breakerKeyFlag defaults to the configured provider and model.
func breakerKeyFlag(cmd *cobra.Command) string {
	key, _ := cmd.Flags().GetString("key")
	if key != "" {
		return key
	}
	return resilience.BreakerKey(cfg.Inference.Provider, cfg.Inference.Model)
}

func printBreaker(w io.Writer, key string, state resilience.CircuitState, failures int) {
	fmt.Fprintf(w, "key:       %s\nstate:     %s\nfailures:  %d\n", key, state, failures)
}

func init() {
	for _, c := range []*cobra.Command{breakerStatusCmd, breakerResetCmd} {
		c.Flags().String("key", "", "breaker key as provider/model (default from config)")
		breakerCmd.AddCommand(c)
	}
	rootCmd.AddCommand(breakerCmd)
}
