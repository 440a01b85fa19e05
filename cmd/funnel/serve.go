package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/internal/expressions"
	"github.com/rendis/funnel/internal/flowdef"
	"github.com/rendis/funnel/internal/logging"
	"github.com/rendis/funnel/internal/metrics"
	"github.com/rendis/funnel/internal/routing"
	"github.com/rendis/funnel/internal/scheduler"
	"github.com/rendis/funnel/internal/source"
	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/internal/transport"
	"github.com/rendis/funnel/pkg/mcp"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var useMCP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the funnel engine",
		Long: `Run the funnel engine with the console transport: each stdin line
"contact: text" is an inbound message and sent messages are printed.

With --mcp the admin tools are served over stdio instead and inbound
messages arrive through funnel.deliver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, useMCP, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&useMCP, "mcp", false, "serve MCP admin tools on stdio instead of the console")
	return cmd
}

func runServe(ctx context.Context, cfg Config, useMCP bool, in io.Reader, out io.Writer) error {
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ecfg := engine.Config{
		AutomationID:   cfg.AutomationID,
		Store:          st,
		Testers:        cfg.Testers,
		DefaultTimeout: cfg.DefaultTimeout(),
		PoolSize:       cfg.PoolSize,
		Logger:         logger,
	}

	var revealer expressions.Revealer
	vault, err := openVault(cfg, st)
	if err != nil {
		return err
	}
	if vault != nil {
		revealer = vault
		ecfg.Vault = vault
	}

	compiler, err := flowdef.NewCompiler(revealer)
	if err != nil {
		return err
	}
	ecfg.Scripts = flowdef.NewCatalog(source.NewDir(cfg.ScriptsDir), compiler, cfg.ScriptAuthor, cfg.ScriptRelease)
	if ecfg.DefaultScript, err = parseScriptRef(cfg.DefaultScript); err != nil {
		return err
	}
	if cfg.RoutesFile != "" {
		rules, err := routing.Load(cfg.RoutesFile)
		if err != nil {
			return err
		}
		ecfg.Selector = rules
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ecfg.Metrics = metrics.New(reg)

	hub := streaming.NewMemoryHub()
	ecfg.Hub = hub

	var console *transport.Console
	if useMCP {
		ecfg.Transport = transport.NewMemory()
	} else {
		console = transport.NewConsole(in, out)
		ecfg.Transport = console
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}
	resumer, err := scheduler.NewResumer(st, eng, cfg.AutomationID, cfg.ResumeSchedule, nil, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return resumer.Run(gctx) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if useMCP {
		admin := mcp.NewServer(mcp.ServerDeps{
			Engine:       eng,
			Store:        st,
			Hub:          hub,
			AutomationID: cfg.AutomationID,
			Version:      version,
			Logger:       logger,
		})
		g.Go(func() error { return admin.Serve(gctx) })
	} else {
		g.Go(func() error { return console.Run(gctx) })
	}

	logger.Info("funnel started",
		slog.String("automation_id", cfg.AutomationID),
		slog.String("scripts_dir", cfg.ScriptsDir),
		slog.Bool("mcp", useMCP),
	)
	err = g.Wait()
	logger.Info("funnel stopped")
	return err
}
