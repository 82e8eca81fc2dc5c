// internal/pump/pump.go
package pump

import (
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/browserhost/internal/hostloop"
	"github.com/xkilldash9x/browserhost/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultInterval is the base period of the message loop.
const DefaultInterval = 75 * time.Millisecond

// Worker runs one slice of the engine's internal work. It reports false
// when the engine signalled a failure.
type Worker interface {
	PumpMessageLoop() bool
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func() bool

func (f WorkerFunc) PumpMessageLoop() bool { return f() }

// Options configures a Pump.
type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Pump drives the engine's work function from the host loop. A periodic
// timer ticks every 2*Interval once started; the engine may ask for an
// earlier cycle with ScheduleWork from any goroutine.
type Pump struct {
	loop     *hostloop.Loop
	worker   Worker
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	failLog  rate.Sometimes

	// Read from foreign goroutines in ScheduleWork.
	pumpDisabled atomic.Bool
	shutdown     atomic.Bool

	// Owned by the loop goroutine.
	paused   int
	periodic *hostloop.Timer
	work     *hostloop.Timer
}

// New creates a stopped pump.
func New(loop *hostloop.Loop, worker Worker, opts Options) *Pump {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pump{
		loop:     loop,
		worker:   worker,
		interval: opts.Interval,
		logger:   opts.Logger.Named("pump"),
		metrics:  opts.Metrics,
		failLog:  rate.Sometimes{Interval: time.Second},
	}
}

// Start arms the periodic timer. Calling it on a running pump is a no-op;
// only one periodic timer exists per pump.
func (p *Pump) Start() {
	if p.periodic != nil {
		return
	}
	p.shutdown.Store(false)
	p.periodic = p.loop.AfterFunc(p.interval, p.tick)
	p.logger.Debug("Message pump started", zap.Duration("interval", p.interval))
}

// Running reports whether the periodic timer is armed.
func (p *Pump) Running() bool {
	return p.periodic != nil && !p.shutdown.Load()
}

// Shutdown stops the periodic timer at its next tick and cancels pending work.
func (p *Pump) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	if p.periodic != nil {
		p.periodic.Stop()
		p.periodic = nil
	}
	if p.work != nil {
		p.work.Stop()
	}
	p.logger.Debug("Message pump shut down")
}

// ScheduleWork requests a pump cycle after delay. It is the one entry point
// the engine may call from its own goroutines: the request is re-marshaled
// onto the host loop before any pump state is touched.
func (p *Pump) ScheduleWork(delay time.Duration) {
	if p.pumpDisabled.Load() {
		p.metrics.PumpSkip("disabled")
		return
	}
	p.loop.Post(func() {
		if p.shutdown.Load() {
			return
		}
		if delay <= 0 {
			p.restart(0)
			p.pumpOnce()
			return
		}
		p.restart(delay)
		if p.work == nil {
			p.work = p.loop.AfterFunc(delay, p.pumpOnce)
			return
		}
		p.work.Reset(delay)
	})
}

// Disable suppresses ScheduleWork until the next pump cycle completes.
// Used while handling callbacks that must not re-enter the engine.
func (p *Pump) Disable() {
	p.pumpDisabled.Store(true)
}

// Disabled reports whether ScheduleWork is currently suppressed.
func (p *Pump) Disabled() bool {
	return p.pumpDisabled.Load()
}

// Pause skips the engine call on every cycle until the matching Unpause.
// Calls nest.
func (p *Pump) Pause() {
	p.paused++
}

func (p *Pump) Unpause() {
	if p.paused > 0 {
		p.paused--
	}
}

// Paused reports whether at least one Pause is outstanding.
func (p *Pump) Paused() bool {
	return p.paused > 0
}

func (p *Pump) tick() {
	if p.shutdown.Load() {
		return
	}
	p.pumpOnce()
	// The cycle may have shut the pump down.
	if p.periodic != nil && !p.shutdown.Load() {
		p.periodic.Reset(2 * p.interval)
	}
}

// restart pushes the next periodic tick out to interval+delay.
func (p *Pump) restart(delay time.Duration) {
	if p.periodic == nil || p.shutdown.Load() {
		return
	}
	p.periodic.Reset(p.interval + delay)
}

func (p *Pump) pumpOnce() {
	if p.shutdown.Load() {
		return
	}
	if p.paused > 0 {
		p.metrics.PumpSkip("paused")
		return
	}
	ok := p.worker.PumpMessageLoop()
	p.metrics.PumpCycle(ok)
	if !ok {
		p.failLog.Do(func() {
			p.logger.Warn("Engine reported an error while pumping its message loop")
		})
	}
	p.pumpDisabled.Store(false)
}
