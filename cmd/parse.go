package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KANgetuL/xiaohongshu/internal/extract"
)

const (
	kindListing = "listing"
	kindDetail  = "detail"
)

type parseResult struct {
	Kind  string `json:"kind"`
	Notes any    `json:"notes"`
	Valid []bool `json:"valid,omitempty"`
}

// newParseCmd runs the extractor over a saved page. It needs no browser and
// no backends, which makes it handy for tuning selectors.
func newParseCmd() *cobra.Command {
	var (
		kind    string
		keyword string
		pageURL string
	)
	cmd := &cobra.Command{
		Use:         "parse FILE",
		Short:       "Extracts notes from a saved listing or detail page",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{offlineAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			markup, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read page: %w", err)
			}

			cfg := extract.DefaultConfig()
			cfg.BaseURL = rt.cfg.SiteLayout().BaseURL
			ex := extract.New(cfg, rt.logger.Named("extract"))

			switch kind {
			case kindListing:
				notes := ex.ExtractListing(string(markup), keyword)
				valid := make([]bool, len(notes))
				for i, n := range notes {
					valid[i] = ex.Valid(n)
				}
				return printJSON(cmd, parseResult{Kind: kind, Notes: notes, Valid: valid})
			case kindDetail:
				note := ex.ParseDetail(string(markup), pageURL)
				note.SearchKeyword = keyword
				return printJSON(cmd, parseResult{Kind: kind, Notes: note, Valid: []bool{ex.Valid(note)}})
			default:
				return errors.New("--kind must be listing or detail")
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", kindListing, "page kind: listing or detail")
	cmd.Flags().StringVar(&keyword, "keyword", "", "keyword recorded on the extracted notes")
	cmd.Flags().StringVar(&pageURL, "url", "", "URL the detail page was saved from")
	return cmd
}
