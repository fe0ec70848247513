// Package engine is the central orchestrator of the paper-trading lab.
//
// It wires together all subsystems:
//
//  1. Source clients fetch prediction markets and crypto spot prices under
//     per-source rate limits; the aggregator folds quotes into an
//     outlier-filtered consensus.
//  2. The scanner keeps the market cache stocked with ranked candidates.
//  3. Each cycle the strategy manager runs every enabled detector, sends
//     the best opportunities through the execution gate, and the paper
//     engine fills the ones that clear it against per-strategy ledgers.
//  4. Exits are evaluated against fresh marks and closed through the same
//     gate; the health monitor disables strategies that breach their limits.
//  5. Journals, the state snapshot, and the websocket hub record every
//     cycle for operators and observers.
//
// Lifecycle: New() → Start() → [runs until SIGINT or kill switch] → Stop()
package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-lab/internal/api"
	"polymarket-lab/internal/config"
	"polymarket-lab/internal/control"
	"polymarket-lab/internal/gate"
	"polymarket-lab/internal/health"
	"polymarket-lab/internal/journal"
	"polymarket-lab/internal/market"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/internal/paper"
	"polymarket-lab/internal/price"
	"polymarket-lab/internal/ratelimit"
	"polymarket-lab/internal/source"
	"polymarket-lab/internal/store"
	"polymarket-lab/internal/strategy"
	"polymarket-lab/pkg/types"
)

// Snapshot status values.
const (
	statusRunning = "running"
	statusStopped = "stopped"
	statusKilled  = "killed"
)

// Engine owns the component graph and drives the scan cycle. All
// goroutines it launches are tracked by wg and stop when ctx ends.
type Engine struct {
	cfgPath  string
	cfgStamp time.Time

	limiter *ratelimit.Limiter
	lister  *source.PredictionMarketLister
	books   *source.PredictionMarketPricer
	cryptoA *source.PrimaryCryptoPricer
	cryptoB *source.FallbackCryptoPricer
	stream  *source.CryptoStream

	streamCache *price.Cache
	aggregator  *price.Aggregator
	cache       *market.Cache
	scanner     *market.Scanner

	manager  *strategy.Manager
	selector *strategy.Selector
	gate     *gate.Gate
	trader   *paper.Engine
	monitor  *health.Monitor

	journal *journal.Journal
	store   *store.Store
	watcher *control.Watcher

	hub    *api.Hub
	server *api.Server

	metrics *metrics.Registry
	logger  *slog.Logger

	// stateMu guards cfg and the cycle bookkeeping read by the API
	// provider methods while the cycle goroutine writes them.
	stateMu         sync.RWMutex
	cfg             *config.Config
	lastScanAt      time.Time
	selectorLastRun time.Time
	finalStatus     string

	// killed is closed when the control channel demands a shutdown.
	killed   chan struct{}
	killOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// journalTee is the trade sink handed to the paper engine. Every fill
// and close lands in the trade journal first and is then fanned out to
// websocket observers, so the trade event always precedes the portfolio
// update that reflects it.
type journalTee struct {
	journal *journal.Journal
	hub     *api.Hub
}

func (t *journalTee) Trade(tr types.Trade) error {
	if err := t.journal.Trade(tr); err != nil {
		return err
	}
	action := "filled"
	if tr.Status == types.TradeClosed {
		action = "closed"
	}
	t.hub.BroadcastEvent(api.NewTradeEvent(action, tr))
	return nil
}

// New creates and wires all engine components and restores persisted
// state. cfgPath is re-checked at every cycle boundary for hot reload;
// pass "" to disable reloading.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) (*Engine, error) {
	met := metrics.New()

	limiter := ratelimit.New(limiterConfigs(cfg.RateLimits), logger)
	lister := source.NewPredictionMarketLister(cfg.Sources, limiter, logger)
	books := source.NewPredictionMarketPricer(cfg.Sources, limiter, logger)
	cryptoA := source.NewPrimaryCryptoPricer(cfg.Sources, limiter, logger)
	cryptoB := source.NewFallbackCryptoPricer(cfg.Sources, limiter, logger)

	streamCache := price.NewCache()
	aggregator := price.New(cfg.Sources, []source.Pricer{cryptoA, cryptoB}, streamCache, logger)

	var stream *source.CryptoStream
	if cfg.Sources.Crypto.UseStream {
		streamName := cfg.Sources.Crypto.Primary.Name + "_stream"
		stream = source.NewCryptoStream(streamName, cfg.Sources.Crypto.StreamURL, logger)
	}

	cache := market.NewCache()
	scanner := market.NewScanner(cfg.Markets, lister, cache, logger)

	jrnl, err := journal.Open(cfg.Logs.Dir, cfg.Logs.ActivityKeep, logger)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Snapshot.Path, cfg.Snapshot.PortfolioPath)
	if err != nil {
		jrnl.Close()
		return nil, err
	}

	watcher := control.NewWatcher(cfg.Control.Path, logger)
	hub := api.NewHub(cfg.Observer, met, logger)

	mgr := strategy.NewManager(cfg, met, logger)
	g := gate.New(cfg, mgr, watcher, met, logger)
	trader := paper.NewEngine(cfg, g, &journalTee{journal: jrnl, hub: hub}, met, logger)
	mgr.BindEngine(trader)
	if err := mgr.RegisterDefaults(); err != nil {
		jrnl.Close()
		st.Close()
		return nil, err
	}

	monitor := health.NewMonitor(cfg.Health.AutoDisable, mgr, met, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfgPath:     cfgPath,
		limiter:     limiter,
		lister:      lister,
		books:       books,
		cryptoA:     cryptoA,
		cryptoB:     cryptoB,
		stream:      stream,
		streamCache: streamCache,
		aggregator:  aggregator,
		cache:       cache,
		scanner:     scanner,
		manager:     mgr,
		selector:    strategy.NewSelector(logger),
		gate:        g,
		trader:      trader,
		monitor:     monitor,
		journal:     jrnl,
		store:       st,
		watcher:     watcher,
		hub:         hub,
		metrics:     met,
		logger:      logger.With("component", "engine"),
		cfg:         cfg,
		finalStatus: statusStopped,
		killed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfgPath != "" {
		if fi, err := os.Stat(cfgPath); err == nil {
			e.cfgStamp = fi.ModTime()
		}
	}

	trader.SetNotifier(e.recordActivity)
	monitor.SetNotifier(e.recordActivity)

	if cfg.Dashboard.Enabled {
		e.server = api.NewServer(cfg, e, watcher, mgr, hub, met, logger)
	}

	e.restore()
	return e, nil
}

// restore loads the last snapshot and replays the trade journal so
// ledgers, open trades, strategy states, and the weekly review marker
// survive a restart. A missing snapshot is a fresh start; a corrupt one
// is logged and skipped rather than blocking startup.
func (e *Engine) restore() {
	state, err := e.store.LoadSnapshot()
	if err != nil {
		e.logger.Warn("snapshot load failed, starting fresh", "error", err)
		e.metrics.RecordError("store", "snapshot_load")
		return
	}
	if state == nil {
		e.logger.Info("no snapshot found, starting fresh")
		return
	}

	e.manager.RestoreStates(state.Strategies)
	e.manager.RestoreAggregate(state.Aggregate)
	for name, snap := range state.Portfolios {
		if tr := e.manager.Tracker(name); tr != nil {
			tr.Restore(snap)
		}
	}
	e.selectorLastRun = state.SelectorLastRun
	e.lastScanAt = state.Cache.LastScanAt

	trades, err := e.journal.Trades()
	if err != nil {
		e.logger.Warn("trade journal replay failed", "error", err)
		e.metrics.RecordError("journal", "trade_replay")
	} else {
		e.trader.Restore(trades)
		closedByStrategy := make(map[string][]types.Trade)
		for _, t := range trades {
			if t.Status == types.TradeClosed {
				closedByStrategy[t.Strategy] = append(closedByStrategy[t.Strategy], t)
			}
		}
		for name, closed := range closedByStrategy {
			if tr := e.manager.Tracker(name); tr != nil {
				tr.SeedClosedTrades(closed)
			}
		}
	}

	e.logger.Info("state restored",
		"last_cycle_at", state.LastCycleAt,
		"open_trades", len(e.trader.OpenTrades()),
		"strategies", len(state.Strategies),
	)
}

// Start launches all background goroutines: the crypto stream pump, the
// market scanner, the API server, and the main cycle loop.
func (e *Engine) Start() error {
	if e.stream != nil {
		if err := e.stream.Subscribe(e.config().Sources.Crypto.Symbols); err != nil {
			e.logger.Warn("stream subscribe failed", "error", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("crypto stream stopped", "error", err)
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pumpStreamQuotes()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	if e.server != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.server.Start(e.ctx); err != nil {
				e.logger.Error("api server stopped", "error", err)
			}
		}()
	} else {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.hub.Run(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	return nil
}

// Stop gracefully shuts down: cancels all goroutines, waits for them,
// persists the final snapshot, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()
	if e.server != nil {
		e.server.Stop()
	}
	e.wg.Wait()
	if e.stream != nil {
		e.stream.Close()
	}

	e.saveState(e.status(), time.Now().UTC(), 0)
	if err := e.journal.Close(); err != nil {
		e.logger.Error("journal close failed", "error", err)
	}
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// Killed is closed when the control channel demands a shutdown. The
// caller should then Stop the engine and exit cleanly.
func (e *Engine) Killed() <-chan struct{} {
	return e.killed
}

// pumpStreamQuotes moves websocket ticks into the stream cache the
// aggregator reads from.
func (e *Engine) pumpStreamQuotes() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case q, ok := <-e.stream.Quotes():
			if !ok {
				return
			}
			e.streamCache.Put(q)
		}
	}
}

// run is the main loop: one cycle immediately, then one per scan
// interval until the context ends or a kill is observed.
func (e *Engine) run() {
	interval := e.config().ScanInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.cycle()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.killed:
			return
		case <-ticker.C:
			e.cycle()
			if next := e.config().ScanInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// cycle runs one full scan pass. Steps run in a fixed order, each under
// the per-step timeout; the soft deadline aborts an overrunning cycle so
// the next tick starts clean. The cycle-started event precedes every
// other event the cycle emits, and cycle-ended follows them all.
func (e *Engine) cycle() {
	started := time.Now()
	now := started.UTC()
	traceID := uuid.NewString()
	cfg := e.config()

	e.maybeReloadConfig()

	e.recordActivity(types.ActivityEvent{Type: types.ActCycleStarted, Timestamp: now, TraceID: traceID})

	// Step 1: control channel.
	st := e.metrics.StartStep("control")
	ctl := e.watcher.Read()
	st.Stop("ok")

	if ctl.KillActive {
		e.logger.Warn("kill switch active, shutting down", "reason", ctl.KillReason)
		e.recordActivity(types.ActivityEvent{
			Type:      types.ActError,
			Timestamp: now,
			TraceID:   traceID,
			ErrKind:   "kill_activated",
			Message:   ctl.KillReason,
		})
		e.hub.BroadcastEvent(api.NewAlertEvent("kill", "", ctl.KillReason))
		e.setStatus(statusKilled)
		e.saveState(statusKilled, now, time.Since(started).Milliseconds())
		e.metrics.Cycles.WithLabelValues("aborted").Inc()
		e.endCycle(traceID, "killed")
		e.killOnce.Do(func() { close(e.killed) })
		return
	}
	if ctl.Paused {
		e.logger.Info("cycle skipped", "reason", "paused")
		e.metrics.Cycles.WithLabelValues("skipped").Inc()
		e.endCycle(traceID, "paused")
		return
	}

	e.trader.BeginCycle()

	// Step 2: strategy health sweep.
	st = e.metrics.StartStep("health")
	for _, breach := range e.monitor.Sweep(now) {
		e.hub.BroadcastEvent(api.NewAlertEvent("strategy_disabled", breach.Strategy, breach.Reason))
	}
	e.publishSourceHealth()
	st.Stop("ok")

	if e.pastDeadline(started, cfg) {
		e.abortCycle(traceID, "health")
		return
	}

	// Step 3: market discovery.
	st = e.metrics.StartStep("markets")
	e.drainScanResults()
	if e.cache.Len() == 0 {
		stepCtx, cancel := context.WithTimeout(e.ctx, cfg.Cycle.StepTimeout)
		if err := e.scanner.Scan(stepCtx); err != nil {
			e.logger.Warn("cold-start scan failed", "error", err)
			e.metrics.RecordError("engine", "market_scan")
		}
		cancel()
		e.drainScanResults()
	}
	markets := e.cache.AllActive(now)
	e.metrics.TrackedMarkets.Set(float64(e.cache.Len()))
	e.recordActivity(types.ActivityEvent{
		Type:      types.ActMarketsFetched,
		Timestamp: now,
		TraceID:   traceID,
		Count:     len(markets),
	})
	st.Stop("ok")

	if e.pastDeadline(started, cfg) {
		e.abortCycle(traceID, "markets")
		return
	}

	// Step 4: refresh outcome books and crypto consensus.
	st = e.metrics.StartStep("prices")
	stepCtx, cancel := context.WithTimeout(e.ctx, cfg.Cycle.StepTimeout)
	refreshed := e.refreshBooks(stepCtx, markets, now)
	consensus := e.refreshConsensus(stepCtx, cfg.Sources.Crypto.Symbols)
	cancel()
	markets = e.cache.AllActive(now)
	st.Stop("ok")

	if e.pastDeadline(started, cfg) {
		e.abortCycle(traceID, "prices")
		return
	}

	// Step 5: detectors.
	st = e.metrics.StartStep("detect")
	in := strategy.Inputs{
		Markets:   markets,
		Consensus: consensus,
		Now:       now,
		TTL:       cfg.ScanInterval(),
		Lookup:    e.cache.Get,
	}
	opps := e.manager.RunAll(in)
	e.journalOpportunities(traceID, now, opps)
	st.Stop("ok")

	if e.pastDeadline(started, cfg) {
		e.abortCycle(traceID, "detect")
		return
	}

	// Step 6: execution through the gate.
	st = e.metrics.StartStep("execute")
	executed := e.manager.ExecuteBest(in, opps)
	st.Stop("ok")

	if e.pastDeadline(started, cfg) {
		e.abortCycle(traceID, "execute")
		return
	}

	// Step 7: mark-to-market and exits, through the same gate.
	st = e.metrics.StartStep("exits")
	e.manager.MarkToMarket(markets)
	closed := e.manager.ProcessExits(in)
	st.Stop("ok")

	// Weekly strategy review. The proposal reaches observers even when
	// auto reallocation is off; weights only move when it is on.
	proposal := e.weeklyReview(now, cfg)

	// Step 8: persist and fan out.
	st = e.metrics.StartStep("persist")
	agg, per := e.manager.Snapshot()
	e.hub.BroadcastEvent(api.NewPortfolioEvent(agg, per))
	e.hub.BroadcastEvent(api.NewStrategyEvent(e.manager.Statuses(), proposal))
	durMs := time.Since(started).Milliseconds()
	e.saveStateWith(agg, per, statusRunning, now, durMs)
	st.Stop("ok")

	e.metrics.Cycles.WithLabelValues("ok").Inc()
	e.endCycle(traceID, "ok")
	e.logger.Info("cycle complete",
		"markets", len(markets),
		"books_refreshed", refreshed,
		"opportunities", countOpportunities(opps),
		"executed", sumCounts(executed),
		"closed", sumCounts(closed),
		"duration_ms", durMs,
	)
	// Step 9 is the sleep in run().
}

// endCycle emits the cycle-ended event after everything else the cycle
// produced.
func (e *Engine) endCycle(traceID, result string) {
	e.recordActivity(types.ActivityEvent{
		Type:      types.ActCycleEnded,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
		Message:   result,
	})
}

// pastDeadline reports whether the cycle has overrun its soft deadline.
func (e *Engine) pastDeadline(started time.Time, cfg *config.Config) bool {
	return time.Since(started) > cfg.Cycle.SoftDeadline
}

// abortCycle ends an overrunning cycle cleanly. The next tick retries
// from a fresh control read.
func (e *Engine) abortCycle(traceID, afterStep string) {
	e.logger.Warn("cycle soft deadline exceeded, aborting", "after_step", afterStep)
	e.metrics.Cycles.WithLabelValues("aborted").Inc()
	e.endCycle(traceID, "aborted")
}

// drainScanResults consumes pending scanner results without blocking and
// records the latest scan time.
func (e *Engine) drainScanResults() {
	for {
		select {
		case res := <-e.scanner.Results():
			e.stateMu.Lock()
			e.lastScanAt = res.ScannedAt
			e.stateMu.Unlock()
			if len(res.Evicted) > 0 {
				e.logger.Info("markets evicted", "count", len(res.Evicted))
			}
		default:
			return
		}
	}
}

// refreshBooks re-prices tracked markets from the book source so marks
// and detectors see current outcome prices. Per-market failures skip
// that market; the cache keeps its last fetched prices.
func (e *Engine) refreshBooks(ctx context.Context, markets []types.Market, now time.Time) int {
	refreshed := 0
	for i := range markets {
		if ctx.Err() != nil {
			break
		}
		m := markets[i]
		prices, err := e.books.OutcomePrices(ctx, m.ID)
		if err != nil {
			e.logger.Debug("book refresh failed", "market_id", m.ID, "error", err)
			continue
		}
		m.Prices = prices
		m.FetchedAt = now
		e.cache.Put(m)
		refreshed++
	}
	return refreshed
}

// refreshConsensus computes the cross-source consensus for every
// configured symbol. Symbols with no usable quotes are simply absent;
// detectors treat a missing symbol as no signal.
func (e *Engine) refreshConsensus(ctx context.Context, symbols []string) map[string]types.ConsensusPrice {
	out := make(map[string]types.ConsensusPrice, len(symbols))
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		if cp, ok := e.aggregator.BestPrice(ctx, sym); ok {
			out[sym] = cp
		}
	}
	return out
}

// journalOpportunities appends each detected opportunity to the
// opportunity journal and the activity stream.
func (e *Engine) journalOpportunities(traceID string, now time.Time, opps map[string][]types.Opportunity) {
	for _, list := range opps {
		for _, o := range list {
			if err := e.journal.Opportunity(o); err != nil {
				// One failed write must not drop the rest of the batch.
				e.logger.Warn("opportunity journal write failed", "error", err)
				e.metrics.RecordError("journal", "opportunity_write")
				continue
			}
			e.recordActivity(types.ActivityEvent{
				Type:      types.ActOpportunityFound,
				Timestamp: now,
				TraceID:   traceID,
				Strategy:  o.Strategy,
				MarketID:  o.MarketID,
				Message:   string(o.Side),
			})
		}
	}
}

// weeklyReview runs the selector once per ISO week and applies its
// allocation when auto reallocation is enabled.
func (e *Engine) weeklyReview(now time.Time, cfg *config.Config) *strategy.Proposal {
	if !e.selector.Due(e.selectorLast(), now) {
		return nil
	}
	proposal := e.selector.Evaluate(e.manager.Performance(), now)
	e.setSelectorLast(now)
	if proposal == nil {
		return nil
	}
	e.logger.Info("weekly review complete",
		"qualified", proposal.Qualified,
		"ranked", proposal.Ranked,
		"auto_reallocation", cfg.Strategies.AutoReallocation,
	)
	if cfg.Strategies.AutoReallocation {
		if err := e.manager.Rebalance(proposal.Allocation); err != nil {
			e.logger.Warn("rebalance rejected", "error", err)
			e.metrics.RecordError("engine", "rebalance")
		}
	}
	return proposal
}

// recordActivity journals one activity event and fans it out to
// websocket observers. Installed as the notifier on the paper engine and
// the health monitor so fills, closes, and disables share this path.
func (e *Engine) recordActivity(ev types.ActivityEvent) {
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}
	if err := e.journal.Activity(ev); err != nil {
		e.logger.Warn("activity journal write failed", "error", err)
		e.metrics.RecordError("journal", "activity_write")
	}
	e.hub.BroadcastEvent(api.NewActivityEvent(ev))
}

// publishSourceHealth mirrors each source's health into the gauge.
func (e *Engine) publishSourceHealth() {
	for _, r := range e.sourceReports() {
		e.metrics.SourceHealth.WithLabelValues(r.Source).Set(healthGaugeValue(r.Status))
	}
}

func (e *Engine) sourceReports() []source.HealthReport {
	return []source.HealthReport{
		e.lister.Health(),
		e.books.Health(),
		e.cryptoA.Health(),
		e.cryptoB.Health(),
	}
}

// saveState persists the current snapshot under the given status.
func (e *Engine) saveState(status string, cycleAt time.Time, cycleMs int64) {
	agg, per := e.manager.Snapshot()
	e.saveStateWith(agg, per, status, cycleAt, cycleMs)
}

func (e *Engine) saveStateWith(agg types.PortfolioSnapshot, per map[string]types.PortfolioSnapshot, status string, cycleAt time.Time, cycleMs int64) {
	state := store.BotState{
		SchemaVersion: store.SchemaVersion,
		Status:        status,
		Portfolios:    per,
		Aggregate:     agg,
		Strategies:    e.manager.Statuses(),
		Positions:     agg.Positions,
		LastCycleAt:   cycleAt,
		LastCycleMs:   cycleMs,
		Cache: store.CacheSummary{
			TrackedMarkets: e.cache.Len(),
			LastScanAt:     e.lastScan(),
		},
		SelectorLastRun: e.selectorLast(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := e.store.SaveSnapshot(state); err != nil {
		e.logger.Error("snapshot save failed", "error", err)
		e.metrics.RecordError("store", "snapshot_save")
	}
	if err := e.store.SavePortfolio(agg); err != nil {
		e.logger.Error("portfolio save failed", "error", err)
		e.metrics.RecordError("store", "portfolio_save")
	}
}

// maybeReloadConfig applies a changed config file at the cycle boundary.
// Only the gate thresholds and cycle bounds take effect live; source and
// strategy wiring needs a restart.
func (e *Engine) maybeReloadConfig() {
	if e.cfgPath == "" {
		return
	}
	fi, err := os.Stat(e.cfgPath)
	if err != nil || !fi.ModTime().After(e.cfgStamp) {
		return
	}
	e.cfgStamp = fi.ModTime()

	fresh, err := config.Load(e.cfgPath)
	if err != nil {
		e.logger.Warn("config reload failed, keeping previous", "error", err)
		e.metrics.RecordError("engine", "config_reload")
		return
	}
	e.gate.Reconfigure(fresh)
	e.stateMu.Lock()
	e.cfg = fresh
	e.stateMu.Unlock()
	e.logger.Info("config reloaded", "path", e.cfgPath)
}

func (e *Engine) config() *config.Config {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.cfg
}

func (e *Engine) lastScan() time.Time {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.lastScanAt
}

func (e *Engine) selectorLast() time.Time {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.selectorLastRun
}

func (e *Engine) setSelectorLast(t time.Time) {
	e.stateMu.Lock()
	e.selectorLastRun = t
	e.stateMu.Unlock()
}

func (e *Engine) status() string {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.finalStatus
}

func (e *Engine) setStatus(s string) {
	e.stateMu.Lock()
	e.finalStatus = s
	e.stateMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// API state provider
// ————————————————————————————————————————————————————————————————————————

// ControlState implements api.StateProvider.
func (e *Engine) ControlState() types.ControlState {
	return e.watcher.Last()
}

// PortfolioSnapshots implements api.StateProvider.
func (e *Engine) PortfolioSnapshots() (types.PortfolioSnapshot, map[string]types.PortfolioSnapshot) {
	return e.manager.Snapshot()
}

// StrategyStatuses implements api.StateProvider.
func (e *Engine) StrategyStatuses() map[string]types.StrategyState {
	return e.manager.Statuses()
}

// StrategyDiagnostics implements api.StateProvider.
func (e *Engine) StrategyDiagnostics() map[string]map[string]float64 {
	return e.manager.Diagnostics()
}

// OpenTrades implements api.StateProvider.
func (e *Engine) OpenTrades() []types.Trade {
	return e.trader.OpenTrades()
}

// SourceHealth implements api.StateProvider.
func (e *Engine) SourceHealth() []source.HealthReport {
	return e.sourceReports()
}

// MarketsInfo implements api.StateProvider.
func (e *Engine) MarketsInfo() api.MarketsInfo {
	return api.MarketsInfo{Tracked: e.cache.Len(), LastScan: e.lastScan()}
}

func limiterConfigs(in map[string]config.RateLimitConfig) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(in))
	for name, rl := range in {
		out[name] = ratelimit.Config{PerMinute: rl.PerMinute, Burst: rl.Burst}
	}
	return out
}

func healthGaugeValue(s types.HealthStatus) float64 {
	switch s {
	case types.StatusHealthy:
		return 2
	case types.StatusDegraded:
		return 1
	default:
		return 0
	}
}

func countOpportunities(opps map[string][]types.Opportunity) int {
	n := 0
	for _, list := range opps {
		n += len(list)
	}
	return n
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
