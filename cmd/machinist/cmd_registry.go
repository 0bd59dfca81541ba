package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	searchQuery string
	searchLimit int
	listTag     string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search registered tools by meaning",
	Long: `Ranks registered tools against a query: embedding cosine similarity
when an embedding provider is configured, weighted keyword relevance
otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchQuery == "" {
			return fmt.Errorf("--query is required")
		}

		a, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		limit := searchLimit
		if limit <= 0 {
			limit = cfg.Registry.SearchLimit
		}
		results, err := a.registry.Search(cmd.Context(), searchQuery, limit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println(dimStyle.Render("no tools match"))
			return nil
		}
		for _, res := range results {
			fmt.Printf("%s %s\n", dimStyle.Render(fmt.Sprintf("%5.3f", res.Score)), renderEntryLine(res.Entry))
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.registry.List()
		if err != nil {
			return err
		}
		if listTag != "" {
			entries, err = a.registry.ListByCapability(listTag)
			if err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			fmt.Println(dimStyle.Render("registry is empty"))
			return nil
		}
		for _, entry := range entries {
			fmt.Println(renderEntryLine(entry))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [id-or-name]",
	Short: "Show one registered tool in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		entry, err := a.registry.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Print(renderEntry(entry))
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Search query (required)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum results (default from config)")
	listCmd.Flags().StringVar(&listTag, "capability", "", "Only tools declaring this capability")
}
