package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabmix/internal/api"
	"github.com/dgnsrekt/tabmix/internal/browser"
	"github.com/dgnsrekt/tabmix/internal/config"
	"github.com/dgnsrekt/tabmix/internal/journal"
	"github.com/dgnsrekt/tabmix/internal/netutil"
	"github.com/dgnsrekt/tabmix/internal/notify"
	"github.com/dgnsrekt/tabmix/internal/stream"
)

var flagBindAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tab list and audio controls over HTTP",
	Long: `Serve keeps a live tab registry and exposes it as a JSON API with an
event stream (GET /api/v1/events) that pushes the tab list on every change.

With TABMIX_LAUNCH_BROWSER=true a Chromium process is started when nothing
listens on the CDP port, and the tabs in TABMIX_STARTUP_CONFIG are opened.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("bind") {
			cfg.BindAddr = flagBindAddr
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagBindAddr, "bind", "", "HTTP listen address (env TABMIX_BIND_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, c *config.Config) error {
	slog.Info("tabmix config loaded",
		"cdp_url", c.CDPURL(),
		"bind_addr", c.BindAddr,
		"tab_url_filter", c.TabURLFilter,
		"eval_timeout_ms", c.EvalTimeoutMS,
		"refresh_debounce_ms", c.RefreshDebounceMS,
		"port_auto_fallback", c.PortAutoFallback,
		"port_candidates", c.PortCandidates,
		"launch_browser", c.LaunchBrowser,
		"log_level", c.LogLevel,
		"log_file", c.LogFile,
	)

	var launcher *browser.Launcher
	if c.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: c.CDPAddress,
			CDPPort:    c.CDPPort,
			ProfileDir: c.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		if launcher.Running() {
			defer launcher.Stop()
		} else {
			slog.Info("reusing running browser", "cdp", c.CDPURL())
		}
	}
	if err := openStartupTabs(ctx, c); err != nil {
		return err
	}

	ln, err := netutil.Listen(c.BindAddr, c.PortCandidates, c.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}

	s, err := openSession(ctx, c)
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Debug("session close failed", "error", err)
		}
	}()

	broker := stream.NewBroker()
	defer broker.Close()
	if err := s.reg.RegisterForUpdates(stream.NewPublisher(broker)); err != nil {
		ln.Close()
		return err
	}
	closeSinks, err := registerSinks(s, c)
	if err != nil {
		ln.Close()
		return err
	}
	defer closeSinks()

	if _, err := s.reg.Refresh(ctx); err != nil {
		slog.Warn("initial refresh failed", "error", err)
	}

	srv := &http.Server{Handler: api.NewServer(s.reg, broker)}
	serveErr := make(chan error, 1)
	go func() {
		addr := ln.Addr().String()
		slog.Info("tabmix listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := followLifecycle(watchCtx, s, c.RefreshDebounce()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("lifecycle pump stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("tabmix shutting down")
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	stopWatch()
	// Open event streams only end when the broker closes.
	broker.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tabmix http shutdown failed", "error", err)
	}
	return nil
}

// registerSinks attaches the optional journal and notification observers. The
// returned func stops them.
func registerSinks(s *session, c *config.Config) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if c.JournalDir != "" {
		w := journal.NewWriter(c.JournalDir, 256, 25)
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				slog.Debug("journal close failed", "error", err)
			}
		})
		if err := s.reg.RegisterForUpdates(journal.NewRecorder(w)); err != nil {
			closeAll()
			return nil, err
		}
		slog.Info("journal enabled", "dir", c.JournalDir)
	}

	var senders []notify.Sender
	if c.NtfyURL != "" {
		senders = append(senders, notify.Ntfy{Client: &http.Client{Timeout: 10 * time.Second}, Endpoint: c.NtfyURL})
		slog.Info("ntfy notifications enabled", "endpoint", c.NtfyURL)
	}
	if c.DesktopNotify {
		d, err := notify.NewDesktop()
		if err != nil {
			slog.Warn("desktop notifications unavailable", "error", err)
		} else {
			senders = append(senders, d)
			slog.Info("desktop notifications enabled")
		}
	}
	if len(senders) > 0 {
		n := notify.NewNotifier(senders...)
		closers = append(closers, n.Close)
		if err := s.reg.RegisterForUpdates(n); err != nil {
			closeAll()
			return nil, err
		}
	}
	return closeAll, nil
}

func openStartupTabs(ctx context.Context, c *config.Config) error {
	if c.StartupConfigPath == "" {
		return nil
	}
	startup, err := config.LoadStartup(c.StartupConfigPath)
	if err != nil {
		return err
	}
	tabs := make([]browser.Tab, 0, len(startup.Tabs))
	for _, t := range startup.Tabs {
		tabs = append(tabs, browser.Tab{URL: t.URL, NewWindow: t.NewWindow})
	}
	ids, err := browser.OpenTabs(ctx, c.CDPURL(), tabs)
	if err != nil {
		return err
	}
	slog.Info("startup tabs opened", "count", len(ids))
	return nil
}
