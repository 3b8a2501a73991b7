package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/pipeline"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Answer a question catalog against a document",
	Long:  "Builds the index when none is stored (requires --pages), otherwise resumes from stored checkpoints, then writes the run report as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runExtract(cmd, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume extraction from a stored index and its checkpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runExtract(cmd, true)
	},
}

func runExtract(cmd *cobra.Command, requireIndex bool) error {
	ctx := cmd.Context()

	docID, _ := cmd.Flags().GetString("doc-id")
	questionsPath, _ := cmd.Flags().GetString("questions")
	out, _ := cmd.Flags().GetString("out")

	catalog, err := model.LoadCatalog(questionsPath)
	if err != nil {
		return err
	}

	in := pipeline.Input{DocID: docID, Catalog: catalog, RequireIndex: requireIndex}
	if !requireIndex {
		pagesPath, _ := cmd.Flags().GetString("pages")
		if pagesPath != "" {
			pf, err := model.LoadPages(pagesPath)
			if err != nil {
				return err
			}
			in.DocID = firstNonEmpty(in.DocID, pf.DocID)
			in.DocName = firstNonEmpty(pf.DocName, in.DocID)
			in.Pages = pf.Pages
		}
	}
	if in.DocID == "" {
		return eris.New("--doc-id is required")
	}

	env, err := initApp(ctx, cfg, "extract")
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.Pipeline.Run(ctx, in)
	if err != nil {
		return eris.Wrapf(err, "extract %s", in.DocID)
	}

	w := io.Writer(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "create %s", out)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}
	if err := writeReport(w, report); err != nil {
		return err
	}

	zap.L().Info("extraction finished",
		zap.String("doc_id", report.DocID),
		zap.String("run_id", report.RunID),
		zap.Int("results", len(report.Results)),
		zap.Int("degraded", len(report.Manifest)),
		zap.Float64("cost_usd", report.Usage.Cost),
	)
	return nil
}

func writeReport(w io.Writer, report *model.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(report), "write report")
}

func init() {
	for _, c := range []*cobra.Command{extractCmd, resumeCmd} {
		c.Flags().String("doc-id", "", "document id")
		c.Flags().String("questions", "", "question catalog (YAML or JSON)")
		c.Flags().String("out", "", "write the report here instead of stdout")
		_ = c.MarkFlagRequired("questions")
		rootCmd.AddCommand(c)
	}
	extractCmd.Flags().String("pages", "", "pages file, used when no index is stored")
	_ = resumeCmd.MarkFlagRequired("doc-id")
}
