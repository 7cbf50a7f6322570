package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/scrape"
)

type scrapeOptions struct {
	url      string
	kind     string
	country  string
	out      string
	fullPage bool
	width    int
	height   int
}

func newScrapeCmd(root *rootOptions) *cobra.Command {
	opts := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch one page or screenshot through the proxy fallback chain",
		Example: `  scrapegate scrape --url https://example.com --country de
  scrapegate scrape --url https://example.com --kind screenshot --full-page --out page.png`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "absolute http(s) URL to fetch")
	cmd.Flags().StringVar(&opts.kind, "kind", string(scrape.KindHTML), "html or screenshot")
	cmd.Flags().StringVar(&opts.country, "country", "", "two-letter country for the primary ISP tier")
	cmd.Flags().StringVar(&opts.out, "out", "", "output file (stdout when empty)")
	cmd.Flags().BoolVar(&opts.fullPage, "full-page", false, "capture the full scrollable page")
	cmd.Flags().IntVar(&opts.width, "width", 0, "viewport width")
	cmd.Flags().IntVar(&opts.height, "height", 0, "viewport height")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runScrape(cmd *cobra.Command, root *rootOptions, opts *scrapeOptions) error {
	app, err := buildApp(cmd.Context(), &root.cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		_ = app.Close(cmd.Context())
	}()

	result, err := app.RunOnce(cmd.Context(), scrape.Request{
		URL:      opts.url,
		Kind:     scrape.Kind(opts.kind),
		Country:  opts.country,
		FullPage: opts.fullPage,
		Width:    opts.width,
		Height:   opts.height,
	})
	if err != nil {
		return err
	}
	app.Logger().Info("scrape finished",
		zap.String("url", result.URL),
		zap.String("tier", result.Tier.Key()),
		zap.Int("attempts", result.Attempts),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	)

	payload := []byte(result.HTML)
	if result.Kind == scrape.KindScreenshot {
		payload = result.Image
	}
	return writeOutput(cmd.OutOrStdout(), opts.out, payload)
}

func writeOutput(stdout io.Writer, path string, payload []byte) error {
	if path == "" || path == "-" {
		if _, err := stdout.Write(payload); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
