package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pageindex/internal/model"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and persist the page index of a document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pagesPath, _ := cmd.Flags().GetString("pages")
		docID, _ := cmd.Flags().GetString("doc-id")
		docName, _ := cmd.Flags().GetString("doc-name")

		pf, err := model.LoadPages(pagesPath)
		if err != nil {
			return err
		}
		docID = firstNonEmpty(docID, pf.DocID)
		docName = firstNonEmpty(docName, pf.DocName, docID)
		if docID == "" {
			return eris.New("--doc-id is required when the pages file has no doc_id")
		}

		env, err := initApp(ctx, cfg, "index")
		if err != nil {
			return err
		}
		defer env.Close()

		idx, err := env.Pipeline.BuildIndex(ctx, pf.Pages, docID, docName)
		if err != nil {
			return eris.Wrap(err, "index")
		}
		printIndexSummary(os.Stdout, idx)
		return nil
	},
}

// printIndexSummary writes the outline of idx, one indented line per node.
func printIndexSummary(w io.Writer, idx *model.DocumentIndex) {
	fmt.Fprintf(w, "doc_id:  %s\n", idx.DocID)
	fmt.Fprintf(w, "name:    %s\n", idx.DocName)
	fmt.Fprintf(w, "mode:    %s\n", idx.Mode)
	fmt.Fprintf(w, "pages:   %d\n", idx.TotalPages)
	fmt.Fprintf(w, "nodes:   %d\n", len(idx.Nodes))
	fmt.Fprintf(w, "hash:    %s\n\n", idx.StructuralHash())
	idx.Walk(func(n *model.TreeNode, depth int) bool {
		fmt.Fprintf(w, "%s%s %s [%d-%d]\n", strings.Repeat("  ", depth), n.ID, n.Title, n.StartPage, n.EndPage)
		return true
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	indexCmd.Flags().String("pages", "", "pages file (YAML or JSON)")
	indexCmd.Flags().String("doc-id", "", "document id (default from the pages file)")
	indexCmd.Flags().String("doc-name", "", "document name (default from the pages file)")
	_ = indexCmd.MarkFlagRequired("pages")
	rootCmd.AddCommand(indexCmd)
}
