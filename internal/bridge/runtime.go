// internal/bridge/runtime.go
package bridge

import (
	"time"

	"github.com/xkilldash9x/browserhost/internal/codec"
	"github.com/xkilldash9x/browserhost/internal/events"
	"github.com/xkilldash9x/browserhost/internal/gate"
	"github.com/xkilldash9x/browserhost/internal/hostloop"
	"github.com/xkilldash9x/browserhost/internal/lifecycle"
	"github.com/xkilldash9x/browserhost/internal/metrics"
	"github.com/xkilldash9x/browserhost/internal/native"
	"github.com/xkilldash9x/browserhost/internal/pump"
	"github.com/xkilldash9x/browserhost/internal/registry"
	"go.uber.org/zap"
)

// Defaults for Options fields left at zero.
const (
	DefaultCloseTimeout    = 10 * time.Second
	DefaultUnloadExtension = 75 * time.Millisecond
	DefaultEvaluateTimeout = 30 * time.Second
	DefaultCookieTimeout   = 100 * time.Millisecond
)

// Options configures a Runtime.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	CloseTimeout    time.Duration
	LoopInterval    time.Duration
	UnloadExtension time.Duration
	// EvaluateTimeout bounds Evaluate and GetText when the caller's context
	// has no deadline.
	EvaluateTimeout time.Duration
	CookieTimeout   time.Duration

	// Now overrides the clock used by the close wait.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.LoopInterval <= 0 {
		o.LoopInterval = pump.DefaultInterval
	}
	if o.UnloadExtension <= 0 {
		o.UnloadExtension = DefaultUnloadExtension
	}
	if o.EvaluateTimeout <= 0 {
		o.EvaluateTimeout = DefaultEvaluateTimeout
	}
	if o.CookieTimeout <= 0 {
		o.CookieTimeout = DefaultCookieTimeout
	}
}

type pendingEval struct {
	bridge  *Bridge
	done    bool
	value   codec.Value
	started time.Time
}

// Runtime is the process-wide half of the bridge: one per engine. It owns the
// instance registry, the message pump and the counters shared by all
// browsers. Apart from the engine's scheduler calls, everything here runs on
// the host loop goroutine.
type Runtime struct {
	engine    native.Engine
	loop      *hostloop.Loop
	pump      *pump.Pump
	instances *registry.Registry[*Bridge]
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options

	instanceSeq  int
	browsers     int
	disposingAny int
	shuttingDown bool
	shutdown     *gate.Gate

	evalSeq uint64
	evals   map[uint64]*pendingEval

	// host name -> bridges serving it
	hosts map[string]map[*Bridge]struct{}

	anonymous *anonymousPopup
	tempFiles []string
}

// NewRuntime wires engine to loop. The engine's scheduler is installed here,
// so notifications can flow as soon as the first browser is created.
func NewRuntime(engine native.Engine, loop *hostloop.Loop, opts Options) *Runtime {
	opts.setDefaults()
	rt := &Runtime{
		engine:    engine,
		loop:      loop,
		instances: registry.New[*Bridge](),
		logger:    opts.Logger.Named("bridge"),
		metrics:   opts.Metrics,
		opts:      opts,
		shutdown:  gate.New(),
		evals:     make(map[uint64]*pendingEval),
		hosts:     make(map[string]map[*Bridge]struct{}),
	}
	rt.pump = pump.New(loop, engine, pump.Options{
		Interval: opts.LoopInterval,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	rt.anonymous = &anonymousPopup{rt: rt}
	engine.SetScheduler(rt.pump)
	return rt
}

// Loop returns the host loop the runtime runs on.
func (rt *Runtime) Loop() *hostloop.Loop { return rt.loop }

// Pump returns the message pump.
func (rt *Runtime) Pump() *pump.Pump { return rt.pump }

// LiveBrowsers reports how many browsers the engine has created and not yet
// closed.
func (rt *Runtime) LiveBrowsers() int { return rt.browsers }

// Disposing reports how many teardowns are in flight.
func (rt *Runtime) Disposing() int { return rt.disposingAny }

// Done is closed once the runtime has shut the engine down.
func (rt *Runtime) Done() <-chan struct{} { return rt.shutdown.Done() }

// BrowserOptions configures one browser.
type BrowserOptions struct {
	// Javascript enables scripting for the first page.
	Javascript bool
	// Background is the ARGB color painted before the first page.
	Background uint32
	// Dialogs answers page dialogs. Defaults to AutoDialogs.
	Dialogs DialogHandler
}

// NewBrowser binds a new bridge to widget. The native browser is created by
// Create, or on first use.
func (rt *Runtime) NewBrowser(widget Widget, opts BrowserOptions) (*Bridge, error) {
	if rt.shutdown.IsDone() || rt.shuttingDown {
		return nil, ErrShutdown
	}
	if opts.Dialogs == nil {
		opts.Dialogs = AutoDialogs{Logger: rt.logger}
	}
	rt.instanceSeq++
	return newBridge(rt, rt.instanceSeq, widget, opts), nil
}

// Shutdown closes every live browser and shuts the engine down once the last
// one reports its close. Done is closed when that happens.
func (rt *Runtime) Shutdown() {
	if rt.shutdown.IsDone() {
		return
	}
	if rt.browsers == 0 {
		rt.finishShutdown()
		return
	}
	rt.shuttingDown = true
	rt.logger.Info("Shutting down, waiting for browsers to close", zap.Int("live", rt.browsers))
	var live []*Bridge
	rt.instances.Range(func(_ registry.ID, b *Bridge) { live = append(live, b) })
	for _, b := range live {
		b.Dispose()
	}
}

func (rt *Runtime) finishShutdown() {
	rt.pump.Shutdown()
	rt.engine.Shutdown()
	rt.removeTempFiles()
	rt.shuttingDown = false
	rt.shutdown.Complete()
	rt.logger.Info("Engine shut down")
}

// -- routing --

// browserClient is the native.Client handed to the engine for one bridge.
type browserClient struct {
	rt *Runtime
	b  *Bridge
}

func (c *browserClient) AfterCreated(id native.ID) {
	c.rt.afterCreated(c.b, id)
}

func (c *browserClient) Notify(id native.ID, n native.Notification) bool {
	return c.rt.route(id, n)
}

func (rt *Runtime) afterCreated(b *Bridge, id native.ID) {
	if id != 0 {
		rt.browsers++
		rt.metrics.BrowserCreated()
		if err := rt.instances.Register(id, b); err != nil {
			rt.logger.Error("Engine reused a live browser id", zap.Int("id", int(id)), zap.Error(err))
		}
	}
	b.afterCreated(id)
	if rt.browsers == 1 {
		rt.pump.Start()
	}
}

// route resolves the instance for id and hands it n. Notifications for ids
// that are no longer registered are counted and dropped.
func (rt *Runtime) route(id native.ID, n native.Notification) bool {
	rt.metrics.Notification(n.Kind())

	if _, ok := n.(native.BeforeClose); ok {
		rt.beforeClose(id)
		return false
	}

	b, err := rt.instances.Lookup(id)
	if err != nil {
		rt.metrics.StaleCallback()
		rt.logger.Debug("Dropping notification for unknown browser",
			zap.Int("id", int(id)),
			zap.String("kind", n.Kind()),
		)
		return false
	}

	if popup, ok := n.(native.BeforePopup); ok {
		// Popup creation re-enters the engine; keep the pump out of it.
		rt.pump.Pause()
		rt.pump.Disable()
		defer rt.pump.Unpause()
		return b.beforePopup(popup)
	}
	return b.handle(n)
}

func (rt *Runtime) beforeClose(id native.ID) {
	b := rt.instances.MustUnregister(id)
	b.beforeClose()

	rt.browsers--
	rt.metrics.BrowserClosed()
	if rt.disposingAny > 0 {
		rt.disposingAny--
	}
	if rt.browsers == 0 && rt.shuttingDown {
		rt.finishShutdown()
	}
}

// -- evaluations --

func (rt *Runtime) beginEval(b *Bridge) (uint64, *pendingEval) {
	rt.evalSeq++
	pe := &pendingEval{bridge: b, started: time.Now()}
	rt.evals[rt.evalSeq] = pe
	return rt.evalSeq, pe
}

func (rt *Runtime) endEval(id uint64) {
	delete(rt.evals, id)
}

func (rt *Runtime) completeEval(b *Bridge, r *native.EvalResult) {
	pe, ok := rt.evals[r.RequestID]
	if !ok || pe.bridge != b {
		rt.metrics.Evaluation(metrics.OutcomeDropped, 0)
		rt.logger.Debug("Dropping evaluation result nobody is waiting for", zap.Uint64("request_id", r.RequestID))
		return
	}
	pe.done = true
	pe.value = r.Value
}

// -- request hosts --

func (rt *Runtime) registerHost(host string, b *Bridge) {
	set, ok := rt.hosts[host]
	if !ok {
		set = make(map[*Bridge]struct{})
		rt.hosts[host] = set
		rt.engine.RegisterHTTPHost(host, true)
	}
	set[b] = struct{}{}
}

func (rt *Runtime) releaseHosts(b *Bridge) {
	for host, set := range rt.hosts {
		if _, ok := set[b]; ok {
			rt.releaseHost(host, b)
		}
	}
}

func (rt *Runtime) timing() lifecycle.Timing {
	return lifecycle.Timing{
		CloseTimeout:    rt.opts.CloseTimeout,
		LoopInterval:    rt.opts.LoopInterval,
		UnloadExtension: rt.opts.UnloadExtension,
		Now:             rt.opts.Now,
	}
}

// -- anonymous popups --

// anonymousPopup answers popups nobody adopted. It only keeps the disposing
// counter honest; those windows live outside the registry.
type anonymousPopup struct {
	rt *Runtime
}

func (a *anonymousPopup) AfterCreated(id native.ID) {
	a.rt.logger.Debug("Anonymous popup created", zap.Int("id", int(id)))
}

func (a *anonymousPopup) Notify(id native.ID, n native.Notification) bool {
	switch n.(type) {
	case native.DoClose:
		a.rt.disposingAny++
	case native.BeforeClose:
		if a.rt.disposingAny > 0 {
			a.rt.disposingAny--
		}
	}
	return false
}

var (
	_ native.Client = (*browserClient)(nil)
	_ native.Client = (*anonymousPopup)(nil)
	_ events.PopupTarget = (*Bridge)(nil)
)
