package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"PerpClearing/internal/balance"
	"PerpClearing/internal/config"
	"PerpClearing/internal/feeindex"
	"PerpClearing/internal/fixedpoint"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/instrument"
	"PerpClearing/internal/margin"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/position"
	"PerpClearing/internal/query"
	"PerpClearing/internal/settlement"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	snap, err := config.LoadSnapshot(cfg.InstrumentsFile)
	if err != nil {
		log.Fatalf("FATAL: instruments: %v", err)
	}
	registry, err := snap.BuildRegistry()
	if err != nil {
		log.Fatalf("FATAL: registry: %v", err)
	}

	logger := observability.NewLogger("perpclearing")
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: open postgres: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	defer db.Close()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.PingContext(rootCtx); err != nil {
		log.Fatalf("FATAL: ping postgres: %v", err)
	}

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(rootCtx); err != nil {
		log.Fatalf("FATAL: migrations: %v", err)
	}

	// --- Core state ---
	bal := balance.NewMemoryLedger()
	nowUs := time.Now().UnixMicro()
	poolLedger, err := pool.NewLedger(snap.Pool, bal, observability.NewLogger("pool"), nowUs)
	if err != nil {
		log.Fatalf("FATAL: pool: %v", err)
	}

	positions := position.NewStore()
	fees := feeindex.NewBook()
	engine := margin.NewEngine(registry, positions, fees, poolLedger, observability.NewLogger("margin"))
	prices := oracle.NewReferenceValidator(cfg.OracleMaxAge.Microseconds(), cfg.OracleBandBps)

	outbox := make(chan settlement.Record, cfg.OutboxSize)
	orch := settlement.NewOrchestrator(registry, engine, poolLedger, bal, prices, cfg.SettlementToken,
		outbox, observability.NewLogger("settlement"))

	// --- Warm restart ---
	snapshotMgr := persistence.NewSnapshotManager(db)
	if saved, err := snapshotMgr.LoadLatestSnapshot(rootCtx); err != nil {
		log.Fatalf("FATAL: load snapshot: %v", err)
	} else if saved != nil {
		for _, p := range saved.Positions {
			positions.Restore(p)
		}
		for id, st := range saved.FeeIndices {
			fees.Restore(id, st)
		}
		poolLedger.Restore(saved.Pool)
		bal.RestoreSnapshot(saved.Balances, saved.Minted)
		orch.RestoreState(saved.Orchestrator)
		log.Printf("INFO: restored snapshot at sequence %d (%d positions)",
			saved.Sequence, len(saved.Positions))
	} else {
		log.Println("INFO: no snapshot found, cold start")
	}
	metrics.Sequence.Set(float64(orch.Sequence()))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(rootCtx, js); err != nil {
		log.Fatalf("FATAL: ensure streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(rootCtx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	// --- Workers ---
	var mu sync.RWMutex // dispatch writes, queries and snapshots read
	errChan := make(chan error, 8)

	persistChan := make(chan settlement.Record, cfg.OutboxSize)
	publishChan := make(chan settlement.Record, cfg.OutboxSize)

	worker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		if err := worker.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	go func() {
		if err := publisher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// Fan out records: persistence is a blocking send (never lose a record),
	// outbound publishing drops when full.
	go func() {
		for rec := range outbox {
			metrics.Sequence.Set(float64(rec.Sequence))
			metrics.Settlements.WithLabelValues(rec.Result.Kind.String()).Inc()
			switch rec.Result.Kind {
			case margin.KindLiquidated:
				metrics.Liquidations.WithLabelValues(uintToLabel(rec.InstrumentID)).Inc()
			case margin.KindMaxProfitClosed:
				metrics.MaxProfitClosures.WithLabelValues(uintToLabel(rec.InstrumentID)).Inc()
			}
			if rec.Result.LpShortfall > 0 {
				metrics.LpShortfall.Inc()
				metrics.LpShortfallUSD.Add(float64(rec.Result.LpShortfall))
			}

			persistChan <- rec
			select {
			case publishChan <- rec:
			default:
				metrics.PublishDrops.Inc()
			}
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
		}
	}()

	// --- Command dispatch ---
	commandChan := make(chan ingestion.RawEvent, cfg.OutboxSize)
	pgIdem := persistence.NewPostgresIdempotencyChecker(db)
	dispatcher := &dispatcher{
		mu:       &mu,
		orch:     orch,
		engine:   engine,
		pool:     poolLedger,
		bal:      bal,
		prices:   prices,
		registry: registry,
		token:    cfg.SettlementToken,
		metrics:  metrics,
		pgIdem:   pgIdem,
		writer:   worker.GetWriter(),
		seen:     newLabelCache(100_000),
	}
	go dispatcher.run(rootCtx, commandChan)

	subscriber := ingestion.NewNATSSubscriber(js, commandChan)
	if err := subscriber.Subscribe(rootCtx, ingestion.DefaultSubjects()); err != nil {
		log.Fatalf("FATAL: subscribe: %v", err)
	}
	defer subscriber.Stop()

	// --- Snapshots ---
	takeSnapshot := func(ctx context.Context) error {
		start := time.Now()
		mu.RLock()
		data := &persistence.SnapshotData{
			Sequence:     orch.Sequence(),
			Positions:    positions.SnapshotAll(),
			FeeIndices:   fees.Snapshot(),
			Pool:         poolLedger.Snapshot(),
			Orchestrator: orch.SnapshotState(),
			CreatedAt:    time.Now().UTC(),
		}
		data.Balances, data.Minted = bal.Snapshot()
		mu.RUnlock()

		if err := snapshotMgr.SaveSnapshot(ctx, data); err != nil {
			return err
		}
		if err := snapshotMgr.MarkVerified(ctx, data.Sequence); err != nil {
			return err
		}

		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(data.Sequence))
		log.Printf("INFO: snapshot taken at sequence %d", data.Sequence)
		return nil
	}

	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if err := takeSnapshot(rootCtx); err != nil {
					log.Printf("ERROR: snapshot failed: %v", err)
				}
			}
		}
	}()

	// --- HTTP ---
	querySvc := query.NewService(&mu, registry, engine, poolLedger, bal, orch, db,
		cfg.SettlementToken, metrics)
	mux := http.NewServeMux()
	querySvc.RegisterRoutes(mux, health)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("INFO: http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("INFO: metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	health.SetReady(true)
	logger.Info().
		Int64("config_version", registry.Version()).
		Int64("sequence", orch.Sequence()).
		Msg("perpclearing started")

	select {
	case <-rootCtx.Done():
		log.Println("INFO: shutdown signal received")
	case err := <-errChan:
		log.Printf("ERROR: worker failed: %v", err)
		cancel()
	}

	health.SetReady(false)
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	if err := takeSnapshot(shutdownCtx); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	}
	log.Println("INFO: shutdown complete")
	os.Exit(0)
}

// ---------------------------------------------------------------------------
// Command dispatch
// ---------------------------------------------------------------------------

type dispatcher struct {
	mu       *sync.RWMutex
	orch     *settlement.Orchestrator
	engine   *margin.Engine
	pool     *pool.Ledger
	bal      *balance.MemoryLedger
	prices   *oracle.ReferenceValidator
	registry *instrument.Registry
	token    string
	metrics  *observability.Metrics
	pgIdem   *persistence.PostgresIdempotencyChecker
	writer   *persistence.SettlementWriter
	seen     *labelCache
}

// run is the single-threaded dispatch loop. Every state mutation in the
// process happens here under the write lock.
func (d *dispatcher) run(ctx context.Context, commands <-chan ingestion.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-commands:
			if !ok {
				return
			}
			d.handle(raw)
		}
	}
}

func (d *dispatcher) handle(raw ingestion.RawEvent) {
	commandType, ok := commandTypeForSubject(raw.Subject)
	if !ok {
		log.Printf("WARN: no command type for subject %s", raw.Subject)
		raw.AckFunc() // unroutable, redelivery cannot help
		return
	}

	cmd, err := ingestion.ParseRawCommand(raw, commandType)
	if err != nil {
		log.Printf("WARN: parse %s: %v", commandType, err)
		d.metrics.CommandsRejected.WithLabelValues(commandType, "parse").Inc()
		raw.AckFunc() // malformed, redelivery cannot help
		return
	}

	if label := commandLabel(cmd); label != "" {
		dup, err := d.isDuplicate(label)
		if err != nil {
			log.Printf("WARN: dedup lookup for %s: %v", label, err)
			raw.NakFunc()
			return
		}
		if dup {
			d.metrics.CommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
			raw.AckFunc()
			return
		}
	}

	start := time.Now()
	d.mu.Lock()
	err = d.apply(cmd)
	d.mu.Unlock()
	d.metrics.CommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, oracle.ErrStalePrice):
			d.metrics.PriceRejections.WithLabelValues("stale").Inc()
		case errors.Is(err, oracle.ErrPriceOutOfBand):
			d.metrics.PriceRejections.WithLabelValues("out_of_band").Inc()
		case errors.Is(err, oracle.ErrNoReference):
			d.metrics.PriceRejections.WithLabelValues("no_reference").Inc()
		}
		d.metrics.CommandsRejected.WithLabelValues(commandType, "apply").Inc()
		log.Printf("WARN: apply %s: %v", commandType, err)
		// Hard aborts are deterministic; redelivery would fail identically.
		raw.AckFunc()
		return
	}

	if label := commandLabel(cmd); label != "" {
		d.seen.add(label)
	}
	d.metrics.CommandsApplied.WithLabelValues(commandType).Inc()
	d.updatePoolGauges()
	raw.AckFunc()
}

func (d *dispatcher) apply(cmd ingestion.Command) error {
	switch c := cmd.(type) {
	case *ingestion.IncreasePosition:
		res, err := d.orch.IncreasePosition(c.InstrumentID, c.UserID, c.Price, c.SizeDelta,
			c.CollateralDelta, margin.FeeParams{TxFee: c.TxFee, PriceImpactFee: c.PriceImpactFee},
			c.Label, c.Timestamp)
		return noteOutcome(d.metrics, cmd.CommandType(), res, err)

	case *ingestion.DecreasePosition:
		res, err := d.orch.DecreasePosition(c.InstrumentID, c.UserID, c.Price, c.SizeDelta,
			margin.FeeParams{TxFee: c.TxFee, PriceImpactFee: c.PriceImpactFee}, c.Label, c.Timestamp)
		return noteOutcome(d.metrics, cmd.CommandType(), res, err)

	case *ingestion.IncreaseCollateral:
		res, err := d.orch.IncreaseCollateral(c.InstrumentID, c.UserID, c.Price, c.Amount,
			c.Label, c.Timestamp)
		return noteOutcome(d.metrics, cmd.CommandType(), res, err)

	case *ingestion.DecreaseCollateral:
		res, err := d.orch.DecreaseCollateral(c.InstrumentID, c.UserID, c.Price, c.Amount,
			c.Label, c.Timestamp)
		return noteOutcome(d.metrics, cmd.CommandType(), res, err)

	case *ingestion.LiquidatePosition:
		res, err := d.orch.LiquidatePosition(c.InstrumentID, c.UserID, c.Price, c.Label, c.Timestamp)
		return noteOutcome(d.metrics, cmd.CommandType(), res, err)

	case *ingestion.PriceReference:
		d.prices.SetReference(c.InstrumentID, c.SubInstrumentID, c.Price, c.Timestamp)
		return nil

	case *ingestion.BorrowingIndexUpdate:
		inst, err := d.registry.Get(c.InstrumentID)
		if err != nil {
			return err
		}
		return d.engine.FeeBook().UpdateBorrowingIndex(inst, c.Delta, c.Price, c.Timestamp)

	case *ingestion.FundingIndexUpdate:
		inst, err := d.registry.Get(c.InstrumentID)
		if err != nil {
			return err
		}
		return d.engine.FeeBook().UpdateFundingIndex(inst, c.Delta, c.Price, c.Timestamp)

	case *ingestion.Deposit:
		return d.bal.IncreaseBalance(d.token, balance.UserAccount(c.UserID), c.Amount)

	case *ingestion.ProvideLiquidity:
		return d.pool.ProvideLiquidity(c.UserID, c.Amount, c.Timestamp)

	case *ingestion.WithdrawShares:
		return d.pool.WithdrawShares(c.UserID, c.Shares, c.Timestamp)

	case *ingestion.ClaimMintedShares:
		_, err := d.pool.ClaimMintedShares(c.UserID, c.Epoch)
		return err

	case *ingestion.ClaimWithdrawal:
		_, _, err := d.pool.ClaimWithdrawal(c.UserID, c.Epoch)
		return err

	case *ingestion.RolloverBatch:
		rolled, err := d.orch.SubmitRolloverBatch(c.Side, c.FromIndex, c.Prices, c.Timestamp)
		if err != nil {
			return err
		}
		d.metrics.RolloverBatches.WithLabelValues(strings.ToLower(c.Side.String())).Inc()
		if rolled {
			d.metrics.EpochRollovers.Inc()
			d.recordEpoch(c.Timestamp)
		}
		return nil

	default:
		log.Printf("ERROR: unhandled command %T", cmd)
		return nil
	}
}

// recordEpoch persists the just-closed epoch's terminal state. Runs off the
// dispatch goroutine; the row is informational history, not recovery state.
func (d *dispatcher) recordEpoch(closedAt int64) {
	var sharePrice int64
	if shares := d.pool.TotalShares(); shares > 0 {
		sharePrice = fixedpoint.MulDiv(d.pool.PoolAmount(), fixedpoint.ShareScale, shares)
	}
	row := persistence.EpochRow{
		EpochNumber: d.pool.EpochNumber() - 1,
		PoolAmount:  d.pool.PoolAmount(),
		PoolUpl:     d.orch.LastRolloverUpl(),
		TotalShares: d.pool.TotalShares(),
		SharePrice:  sharePrice,
		ClosedAt:    closedAt,
	}
	go func() {
		if err := d.writer.WriteEpoch(context.Background(), nil, row); err != nil {
			log.Printf("WARN: write epoch %d: %v", row.EpochNumber, err)
		}
	}()
}

func (d *dispatcher) isDuplicate(label string) (bool, error) {
	if d.seen.has(label) {
		return true, nil
	}
	return d.pgIdem.IsDuplicate(label)
}

func (d *dispatcher) updatePoolGauges() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.metrics.PoolAmount.Set(float64(d.pool.PoolAmount()))
	d.metrics.PoolLockedAmount.Set(float64(d.pool.LockedAmount()))
	d.metrics.PoolTotalShares.Set(float64(d.pool.TotalShares()))
	d.metrics.PoolEpoch.Set(float64(d.pool.EpochNumber()))
}

// noteOutcome records declined results; errors pass through unchanged.
func noteOutcome(m *observability.Metrics, command string, res *margin.Result, err error) error {
	if err != nil {
		return err
	}
	if res != nil && !res.Success {
		m.CommandsDeclined.WithLabelValues(command, res.DeclineReason).Inc()
	}
	return nil
}

func commandLabel(cmd ingestion.Command) string {
	switch c := cmd.(type) {
	case *ingestion.IncreasePosition:
		return c.Label
	case *ingestion.DecreasePosition:
		return c.Label
	case *ingestion.IncreaseCollateral:
		return c.Label
	case *ingestion.DecreaseCollateral:
		return c.Label
	case *ingestion.LiquidatePosition:
		return c.Label
	default:
		return ""
	}
}

// commandTypeForSubject resolves a concrete subject against the configured
// subject patterns. Patterns end in ">"; match on the literal prefix.
func commandTypeForSubject(subject string) (string, bool) {
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) {
			return cfg.CommandType, true
		}
	}
	return "", false
}

func uintToLabel(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// labelCache is a FIFO cache of recently processed labels, the first tier
// of the duplicate check.
type labelCache struct {
	set   map[string]struct{}
	order []string
	cap   int
}

func newLabelCache(capacity int) *labelCache {
	return &labelCache{
		set: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

func (c *labelCache) has(label string) bool {
	_, ok := c.set[label]
	return ok
}

func (c *labelCache) add(label string) {
	if _, ok := c.set[label]; ok {
		return
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
	c.set[label] = struct{}{}
	c.order = append(c.order, label)
}
