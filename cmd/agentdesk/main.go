package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/config"
	"agentdesk/internal/controller"
	"agentdesk/internal/logging"
	"agentdesk/internal/metrics"
)

// app holds what every subcommand needs once flags are resolved.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	client  *agentos.Client
	metrics *metrics.Metrics

	closeLog func() error
	server   *http.Server
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentdesk",
		Short:         "Terminal client for an AgentOS backend",
		Long:          "agentdesk chats with an AgentOS agent, suggests skills while you type, and tracks knowledge ingestion.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// The TUI owns the terminal, so only headless commands may log to stderr.
			return a.setup(cmd, cmd != cmd.Root())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTUI(cmd.Context())
		},
	}
	config.BindFlags(root)
	root.AddCommand(
		newAskCmd(a),
		newRouteCmd(a),
		newHealthCmd(a),
		newSkillsCmd(a),
		newKnowledgeCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, headless bool) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logging.New(logging.Options{
		File:   cfg.LogFile,
		Level:  cfg.LogLevel,
		Stderr: headless && cfg.LogStderr,
	})
	if err != nil {
		return err
	}
	a.logger, a.closeLog = logger, closeLog

	opts := cfg.Client()
	opts.Logger = logger
	if a.client, err = agentos.New(opts); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.New(reg); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		a.serveMetrics(reg)
	}
	logger.Debug("configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("base_url", cfg.BaseURL),
		zap.String("config_file", cfg.ConfigFile))
	return nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.server = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv, logger := a.server, a.logger
	go func() {
		logger.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (a *app) shutdown() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
		a.server = nil
	}
	if a.closeLog != nil {
		closeLog := a.closeLog
		a.closeLog = nil
		return closeLog()
	}
	return nil
}

func (a *app) newController() (*controller.Controller, error) {
	return controller.New(a.client, a.cfg.Controller(),
		controller.WithLogger(a.logger),
		controller.WithMetrics(a.metrics))
}

func (a *app) runTUI(ctx context.Context) error {
	ctrl, err := a.newController()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithMouseCellMotion()}
	if a.cfg.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(ctx, ctrl), opts...)

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctrl.Run(ctx, func(ev controller.Event) { p.Send(eventMsg{event: ev}) })
	}()

	_, err = p.Run()
	cancel()
	ctrl.Close()
	if cerr := <-runErr; cerr != nil && !errors.Is(cerr, context.Canceled) {
		a.logger.Warn("controller stopped with error", zap.Error(cerr))
	}
	if errors.Is(err, tea.ErrProgramKilled) {
		// Interrupted by signal.
		return nil
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if cerr := a.shutdown(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentdesk: %v\n", err)
		stop()
		os.Exit(1)
	}
}
