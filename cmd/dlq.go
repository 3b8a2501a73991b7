package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pageindex/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect inference work that failed after retries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		docID, _ := cmd.Flags().GetString("doc-id")
		stage, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")

		letters, err := st.Sink.List(ctx, resilience.DeadLetterFilter{DocID: docID, Stage: stage, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(letters) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters found.")
			return nil
		}
		formatDeadLetters(os.Stdout, letters)
		return nil
	},
}

func formatDeadLetters(out io.Writer, letters []resilience.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOC\tSTAGE\tUNITS\tTYPE\tATTEMPTS\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t-----\t-----\t----\t--------\t-------\t-----")
	for _, dl := range letters {
		msg := dl.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(dl.ID),
			dl.DocID,
			dl.Stage,
			strings.Join(dl.Units, ","),
			dl.ErrorType,
			dl.Attempts,
			dl.CreatedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func init() {
	dlqListCmd.Flags().String("doc-id", "", "filter by document id")
	dlqListCmd.Flags().String("stage", "", "filter by stage, e.g. extraction/batch")
	dlqListCmd.Flags().Int("limit", 100, "maximum entries to list")

	dlqCmd.AddCommand(dlqListCmd)
	rootCmd.AddCommand(dlqCmd)
}
