// File: cmd/open.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browserhost/internal/bridge"
	"github.com/xkilldash9x/browserhost/internal/config"
	"github.com/xkilldash9x/browserhost/internal/events"
	"github.com/xkilldash9x/browserhost/internal/hostloop"
	"github.com/xkilldash9x/browserhost/internal/metrics"
	"github.com/xkilldash9x/browserhost/internal/native"
	"github.com/xkilldash9x/browserhost/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// openOptions holds the flags of the open command.
type openOptions struct {
	eval    string
	text    bool
	expose  []string
	timeout time.Duration
	hold    bool

	backend       string
	headless      bool
	javascript    bool
	width, height int
	metricsListen string
}

func newOpenCmd() *cobra.Command {
	o := &openOptions{}
	cmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Loads a page in a new browser and reports on it",
		Long: `Loads a page in a new browser driven by the host loop. By default the
final URL and title are printed. --eval prints the JSON result of a script,
--text prints the page text. --expose makes host functions callable from the
page; they log their arguments and return them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.apply(cmd, cfg); err != nil {
				return err
			}
			return o.run(cmd.Context(), cmd.OutOrStdout(), cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&o.eval, "eval", "e", "", "script to evaluate once the page has loaded; the body of a function")
	flags.BoolVarP(&o.text, "text", "t", false, "print the page text")
	flags.StringSliceVar(&o.expose, "expose", nil, "names of host functions to expose to the page")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "how long to wait for the page and for results")
	flags.BoolVar(&o.hold, "hold", false, "keep the browser open until interrupted")

	flags.StringVar(&o.backend, "backend", "", "engine backend: sim or cdp (overrides engine.backend)")
	flags.BoolVar(&o.headless, "headless", true, "run Chromium headless (overrides engine.headless)")
	flags.BoolVar(&o.javascript, "javascript", true, "enable page scripts (overrides browser.javascript)")
	flags.IntVar(&o.width, "width", 0, "browser width (overrides browser.width)")
	flags.IntVar(&o.height, "height", 0, "browser height (overrides browser.height)")
	flags.StringVar(&o.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

// apply writes the flags the user set over the loaded configuration.
func (o *openOptions) apply(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.SetEngineBackend(o.backend)
	}
	if flags.Changed("headless") {
		cfg.SetEngineHeadless(o.headless)
	}
	if flags.Changed("javascript") {
		cfg.SetBrowserJavascript(o.javascript)
	}
	if flags.Changed("width") || flags.Changed("height") {
		w, h := cfg.Browser().Width, cfg.Browser().Height
		if flags.Changed("width") {
			w = o.width
		}
		if flags.Changed("height") {
			h = o.height
		}
		cfg.SetBrowserSize(w, h)
	}
	if flags.Changed("metrics-listen") {
		cfg.SetMetricsEnabled(o.metricsListen != "")
		cfg.SetMetricsListen(o.metricsListen)
	}
	if o.timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// run drives the browser session and, when enabled, the metrics endpoint.
// The session owns the host loop for its whole lifetime.
func (o *openOptions) run(ctx context.Context, out io.Writer, cfg config.Interface, target string) error {
	logger := observability.GetLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	engine, err := newEngine(cfg.Engine(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if mc := cfg.Metrics(); mc.Enabled {
		srv := &http.Server{
			Addr:              mc.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("listen", mc.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		s := &session{
			opts:   o,
			cfg:    cfg,
			out:    out,
			logger: logger.Named("open"),
		}
		return s.run(gctx, engine, m, target)
	})
	return g.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// session is one open invocation on the host loop.
type session struct {
	opts   *openOptions
	cfg    config.Interface
	out    io.Writer
	logger *zap.Logger

	title string
}

func (s *session) run(ctx context.Context, engine native.Engine, m *metrics.Metrics, target string) error {
	loop := hostloop.New(s.logger)
	defer loop.Close()

	bc := s.cfg.Bridge()
	rt := bridge.NewRuntime(engine, loop, bridge.Options{
		Logger:          s.logger,
		Metrics:         m,
		CloseTimeout:    bc.CloseTimeout,
		LoopInterval:    bc.LoopInterval,
		UnloadExtension: bc.UnloadExtension,
		EvaluateTimeout: bc.EvaluateTimeout,
		CookieTimeout:   bc.CookieTimeout,
	})
	defer s.shutdown(rt, bc.CloseTimeout)

	b, err := s.newBrowser(rt)
	if err != nil {
		return err
	}

	b.SetURL(target, "", nil)
	if err := b.Create(); err != nil {
		return fmt.Errorf("creating browser: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	if err := loop.RunUntil(waitCtx, b.Loaded); err != nil {
		b.Dispose()
		return fmt.Errorf("waiting for %s to load: %w", target, err)
	}
	s.logger.Debug("Page loaded", zap.String("url", b.GetURL()), zap.String("session_id", b.SessionID()))

	if err := s.report(waitCtx, b); err != nil {
		b.Dispose()
		return err
	}

	if s.opts.hold {
		s.logger.Info("Holding browser open until interrupted")
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	if !b.Close() {
		b.Dispose()
	}
	return nil
}

func (s *session) newBrowser(rt *bridge.Runtime) (*bridge.Bridge, error) {
	bcfg := s.cfg.Browser()
	background, err := bcfg.BackgroundARGB()
	if err != nil {
		return nil, err
	}
	b, err := rt.NewBrowser(bridge.NewHeadlessWidget(bcfg.Width, bcfg.Height), bridge.BrowserOptions{
		Javascript: bcfg.Javascript,
		Background: background,
	})
	if err != nil {
		return nil, fmt.Errorf("creating browser: %w", err)
	}

	b.Events().Title.Add(events.TitleFunc(func(e *events.TitleEvent) { s.title = e.Title }))
	b.Events().Console.Add(events.ConsoleFunc(func(e *events.ConsoleEvent) {
		s.logger.Info("Console message",
			zap.Stringer("level", e.Level),
			zap.String("message", e.Message),
			zap.String("source", e.Source),
			zap.Int("line", e.Line))
	}))

	for _, name := range s.opts.expose {
		_, err := b.RegisterFunction(name, func(args []any) (any, error) {
			s.logger.Info("Page called host function", zap.String("name", name), zap.Any("args", args))
			return args, nil
		})
		if err != nil {
			return nil, fmt.Errorf("exposing %s: %w", name, err)
		}
	}
	return b, nil
}

// report prints what the flags asked for.
func (s *session) report(ctx context.Context, b *bridge.Bridge) error {
	if s.opts.eval != "" {
		result, err := b.Evaluate(ctx, s.opts.eval)
		if err != nil {
			return fmt.Errorf("evaluating script: %w", err)
		}
		fmt.Fprintln(s.out, formatResult(result))
	}
	if s.opts.text {
		text, err := b.GetText(ctx)
		if err != nil {
			return fmt.Errorf("reading page text: %w", err)
		}
		fmt.Fprintln(s.out, text)
	}
	if s.opts.eval == "" && !s.opts.text {
		fmt.Fprintf(s.out, "%s\t%s\n", b.GetURL(), s.title)
	}
	return nil
}

// shutdown closes the runtime and pumps until the engine is down or
// timeout passes. It runs even after the session context is cancelled.
func (s *session) shutdown(rt *bridge.Runtime, timeout time.Duration) {
	rt.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	err := rt.Loop().RunUntil(ctx, func() bool {
		select {
		case <-rt.Done():
			return true
		default:
			return false
		}
	})
	if err != nil {
		s.logger.Warn("Engine did not shut down cleanly", zap.Error(err))
	}
}

// formatResult renders a decoded script result as JSON. Values JSON cannot
// carry, such as NaN, fall back to their Go formatting.
func formatResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
