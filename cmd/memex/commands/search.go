package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/memex-go/internal/protocol"
)

// NewSearchCmd constructs the `memex search` command, which runs the same
// retrieve-then-rerank search the rag_search tool exposes.
func NewSearchCmd(rt *runtime) *cobra.Command {
	var namespace string
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the memory store",
		Long: `Embed the query, fetch candidate chunks from the vector index, rerank them
and print the best k results.

Without --namespace every namespace is searched.

Examples:
  memex search "how does the cache evict"
  memex search -k 3 --namespace notes "meeting with Ala"
  memex search --json "release checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if k <= 0 {
				return fmt.Errorf("search: -k must be a positive integer, got %d", k)
			}
			query := strings.Join(args, " ")

			st, err := buildStack(ctx, rt, nil)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer func() { _ = st.Close() }()

			results, err := st.pipeline.Search(ctx, namespace, query, k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%d. [%.4f] %s/%s\n", i+1, r.Score, r.Namespace, r.ID)
				fmt.Fprintf(out, "   %s\n", strings.ReplaceAll(strings.TrimSpace(r.Text), "\n", "\n   "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Restrict the search to one namespace")
	cmd.Flags().IntVarP(&k, "k", "k", protocol.DefaultRagSearchK, "Maximum number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}
