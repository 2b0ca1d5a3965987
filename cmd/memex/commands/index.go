package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewIndexCmd constructs the `memex index` command, which chunks, embeds
// and stores one or more documents without starting the server.
func NewIndexCmd(rt *runtime) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "index <path>...",
		Short: "Index text files or URLs into the memory store",
		Long: `Read each document, split it into overlapping chunks, embed them and store
them in the given namespace. Re-indexing a path replaces its previous chunks.

Paths may be local UTF-8 text files or http(s) URLs.

Examples:
  memex index README.md docs/design.md
  memex index --namespace notes ~/notes/today.md
  memex index https://example.com/changelog.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := buildStack(ctx, rt, nil)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer func() { _ = st.Close() }()

			var failed int
			for _, path := range args {
				n, err := st.pipeline.IndexDocument(ctx, path, namespace)
				if err != nil {
					failed++
					rt.log.Error("index: document failed", slog.String("path", path), slog.Any("error", err))
					fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed: %s (%d chunks)\n", path, n)
			}

			if failed > 0 {
				return fmt.Errorf("index: %d of %d documents failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Target namespace (default: rag.default_namespace)")

	return cmd
}
