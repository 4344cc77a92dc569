package board

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ericchongums/kopikap-dashboard/internal/alert"
	"github.com/ericchongums/kopikap-dashboard/internal/docstore"
	"github.com/ericchongums/kopikap-dashboard/internal/expiry"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
	"github.com/ericchongums/kopikap-dashboard/models"
	"github.com/ericchongums/kopikap-dashboard/repository"
)

// State of a Dashboard or KioskDisplay.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrClosed = errors.New("board: closed")

// group owns a set of reconcilers and the goroutines started next to them.
type group struct {
	mu     sync.Mutex
	state  State
	boards []*Reconciler
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (g *group) start(ctx context.Context, extra func(ctx context.Context)) (context.Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateRunning:
		return nil, errors.New("board: already running")
	case StateClosed:
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	for i, b := range g.boards {
		if err := b.Start(ctx); err != nil {
			for _, started := range g.boards[:i] {
				started.Stop()
			}
			cancel()
			return nil, err
		}
	}
	g.cancel = cancel
	g.state = StateRunning
	if extra != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			extra(ctx)
		}()
	}
	return ctx, nil
}

func (g *group) close() {
	g.mu.Lock()
	if g.state == StateClosed {
		g.mu.Unlock()
		return
	}
	g.state = StateClosed
	cancel := g.cancel
	g.mu.Unlock()

	for _, b := range g.boards {
		b.Stop()
	}
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

func (g *group) current() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// DashboardConfig configures the barista dashboard.
type DashboardConfig struct {
	PickupLimit int
	ExpireAfter time.Duration
	// SweepEvery also sweeps every completed order on a timer, including those beyond
	// the pickup board limit; zero means sweeps only happen when a snapshot arrives.
	SweepEvery time.Duration
	Filter     Filter
	// OnFrame receives frames of both boards.
	OnFrame  func(Frame)
	Notifier alert.Notifier
	Log      Logger
	Metrics  *metrics.Registry
	Now      func() time.Time
}

// Dashboard is the barista view: the order queue with its new-order alert, and the
// pickup board whose snapshots drive the expiry sweeper.
type Dashboard struct {
	group
	db      *docstore.DB
	queue   *Reconciler
	pickup  *Reconciler
	trigger *alert.Trigger
	sweeper *expiry.Sweeper
	log     Logger
	every   time.Duration

	ctxMu   sync.Mutex
	ctx     context.Context
	sweepMu sync.Mutex
}

// NewDashboard builds an idle dashboard; recv performs the auto-expire receipts.
func NewDashboard(db *docstore.DB, recv expiry.Receiver, cfg DashboardConfig) *Dashboard {
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PickupLimit <= 0 {
		cfg.PickupLimit = repository.DefaultPickupLimit
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = expiry.DefaultThreshold
	}
	d := &Dashboard{
		db:    db,
		log:   cfg.Log,
		every: cfg.SweepEvery,
		trigger: alert.NewTrigger(cfg.Notifier,
			alert.WithMetrics(cfg.Metrics), alert.WithClock(cfg.Now)),
		sweeper: expiry.New(recv,
			expiry.WithThreshold(cfg.ExpireAfter),
			expiry.WithClock(cfg.Now),
			expiry.WithLogger(cfg.Log),
			expiry.WithMetrics(cfg.Metrics)),
	}

	qc := QueueConfig(cfg.Filter)
	qc.OnSnapshot = func(orders []*models.Order) { d.trigger.Observe(orders) }
	d.queue = NewReconciler(db, d.decorate(qc, cfg))

	pc := PickupConfig(cfg.PickupLimit, cfg.ExpireAfter)
	pc.OnSnapshot = func(orders []*models.Order) { d.sweep(orders) }
	d.pickup = NewReconciler(db, d.decorate(pc, cfg))

	d.boards = []*Reconciler{d.queue, d.pickup}
	return d
}

func (d *Dashboard) decorate(c Config, cfg DashboardConfig) Config {
	c.OnFrame = cfg.OnFrame
	c.Log = cfg.Log
	c.Metrics = cfg.Metrics
	c.Now = cfg.Now
	return c
}

// Start subscribes both boards.
func (d *Dashboard) Start(ctx context.Context) error {
	var loop func(context.Context)
	if d.every > 0 {
		loop = d.sweepLoop
	}
	// the context is published before the boards can deliver their first snapshot
	d.ctxMu.Lock()
	prev := d.ctx
	d.ctx = ctx
	d.ctxMu.Unlock()
	runCtx, err := d.start(ctx, loop)
	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()
	if err != nil {
		d.ctx = prev
		return err
	}
	d.ctx = runCtx
	return nil
}

func (d *Dashboard) sweepLoop(ctx context.Context) {
	t := time.NewTicker(d.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweepStore(ctx)
		}
	}
}

// sweepStore sweeps every completed order in the store, not only the ones on the board.
func (d *Dashboard) sweepStore(ctx context.Context) expiry.Result {
	docs, err := d.db.Query(ctx, repository.ExpiryQuery())
	if err != nil {
		d.log.Printf("board: expiry sweep query: %v", err)
		return expiry.Result{}
	}
	orders, err := repository.DecodeOrders(docs)
	if err != nil {
		d.log.Printf("board: expiry sweep decode: %v", err)
		return expiry.Result{}
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	return d.sweeper.Sweep(ctx, orders)
}

func (d *Dashboard) sweep(orders []*models.Order) expiry.Result {
	d.ctxMu.Lock()
	ctx := d.ctx
	d.ctxMu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return expiry.Result{}
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	return d.sweeper.Sweep(ctx, orders)
}

// Close unsubscribes both boards and stops the periodic sweep.
func (d *Dashboard) Close() { d.close() }

func (d *Dashboard) State() State { return d.current() }

// SetFilter changes the queue's status filter.
func (d *Dashboard) SetFilter(f Filter) { d.queue.SetKeep(f.keep()) }

// Received drops a card from the pickup board after a local receipt.
func (d *Dashboard) Received(id string) { d.pickup.Drop(id) }

func (d *Dashboard) Queue() *Reconciler  { return d.queue }
func (d *Dashboard) Pickup() *Reconciler { return d.pickup }

// KioskDisplay is the customer-facing screen: "Preparing" and "Ready for pickup".
type KioskDisplay struct {
	group
	preparing *Reconciler
	pickup    *Reconciler
}

// KioskConfig configures a KioskDisplay.
type KioskConfig struct {
	PickupLimit int
	ExpireAfter time.Duration
	OnFrame     func(Frame)
	Log         Logger
	Metrics     *metrics.Registry
	Now         func() time.Time
}

func NewKioskDisplay(db *docstore.DB, cfg KioskConfig) *KioskDisplay {
	if cfg.PickupLimit <= 0 {
		cfg.PickupLimit = repository.DefaultPickupLimit
	}
	decorate := func(c Config) Config {
		c.OnFrame = cfg.OnFrame
		c.Log = cfg.Log
		c.Metrics = cfg.Metrics
		c.Now = cfg.Now
		return c
	}
	k := &KioskDisplay{
		preparing: NewReconciler(db, decorate(PreparingConfig())),
		pickup:    NewReconciler(db, decorate(PickupConfig(cfg.PickupLimit, cfg.ExpireAfter))),
	}
	k.boards = []*Reconciler{k.preparing, k.pickup}
	return k
}

func (k *KioskDisplay) Start(ctx context.Context) error {
	_, err := k.start(ctx, nil)
	return err
}

func (k *KioskDisplay) Close() { k.close() }

func (k *KioskDisplay) State() State { return k.current() }

func (k *KioskDisplay) Preparing() *Reconciler { return k.preparing }
func (k *KioskDisplay) Pickup() *Reconciler    { return k.pickup }
