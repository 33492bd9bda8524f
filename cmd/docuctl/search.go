package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docuvector-go/internal/app"
	"docuvector-go/internal/pipeline"
)

var (
	searchK    int
	searchJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long:  `Embeds the query and returns the most similar chunks, best match first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "top-k", "k", 5, "number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		results, err := a.Search.Search(ctx, args[0], searchK)
		if err != nil {
			return err
		}
		if searchJSON {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		}
		if len(results) == 0 {
			cmd.Println("No results found.")
			return nil
		}
		for i, r := range results {
			cmd.Printf("[%d] %s %s\n", i+1,
				color.CyanString("%.4f", r.Score),
				color.New(color.Bold).Sprint(r.Metadata[pipeline.MetaSource]))
			cmd.Printf("    %s#%s\n", r.Metadata[pipeline.MetaDocumentID], r.Metadata[pipeline.MetaPosition])
			cmd.Printf("    %s\n\n", snippet(r.Text, 200))
		}
		return nil
	})
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
