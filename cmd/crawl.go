package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/api"
	"github.com/KANgetuL/xiaohongshu/internal/crawler"
	"github.com/KANgetuL/xiaohongshu/internal/session"
	"github.com/KANgetuL/xiaohongshu/internal/telemetry"
)

// newCrawlCmd creates the 'crawl' subcommand: one session, every keyword,
// then the run report on stdout.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl over the configured keywords",
		Long: `Opens Chrome, restores or waits for a login, searches every keyword and
stores the notes that pass the relevance and image checks. The run report is
printed as JSON when the crawl ends, also after Ctrl-C.`,
		RunE: runCrawlCommand,
	}
	cmd.Flags().StringArray("keyword", nil, "search keyword (repeatable); replaces crawler.keywords")
	cmd.Flags().Int("max-notes", 0, "stop after this many stored notes (0 means no limit)")
	cmd.Flags().String("storage", "", "storage backend: local, memory or gcs")
	cmd.Flags().String("serve", "", "serve the status API on this address while crawling")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	ctx := cmd.Context()

	ctrl, err := appInstance.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	engine := appInstance.NewEngine(ctrl)

	addr, err := cmd.Flags().GetString("serve")
	if err != nil {
		return fmt.Errorf("read --serve: %w", err)
	}
	if addr == "" {
		addr = appInstance.Config().Server.Addr
	}
	stopServer := func() {}
	if addr != "" {
		serverCfg := appInstance.Config().Server
		serverCfg.Addr = addr
		srv := api.NewServer(appInstance, serverCfg, logger.Named("api"))
		serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(serveCtx); err != nil {
				logger.Error("Status API stopped", zap.Error(err))
			}
		}()
		stopServer = func() {
			cancel()
			wg.Wait()
		}
	}
	defer stopServer()

	runCtx, span := telemetry.StartRun(ctx, appInstance.Config().Crawler.Keywords)
	report, runErr := engine.Run(runCtx)
	span.End()
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("run crawler: %w", runErr)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("Crawl interrupted", zap.Int("collected", report.TotalCollected()))
		return nil
	}
	if report.SessionStatus == string(session.StatusTerminated) {
		return fmt.Errorf("crawl ended early: %w", crawler.ErrSessionTerminated)
	}
	logger.Info("Crawl command finished", zap.Int("collected", report.TotalCollected()))
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
