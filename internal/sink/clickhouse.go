package sink

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/engine"
	"github.com/callscope/callscope/internal/export"
	"github.com/callscope/callscope/internal/modules"
	"github.com/callscope/callscope/internal/wire"
)

// ClickHouseConfig configures the ClickHouse export sink.
type ClickHouseConfig struct {
	// Enabled enables the sink.
	Enabled bool `yaml:"enabled"`

	export.ClickHouseConfig `yaml:",inline"`
}

// ModuleResolver maps a code address within a process to the module
// containing it, if known.
type ModuleResolver func(pid uint32, addr uint64) (modules.Info, bool)

// callRow is one row of the function_calls table.
type callRow struct {
	EventTime time.Time
	PID       uint32
	TID       uint32
	Kind      string
	Function  uint64
	Caller    uint64
	Depth     uint32
	Count     uint32
	Cycles    uint64
	Module    string
	Session   string
}

// moduleRow is one row of the module_events table.
type moduleRow struct {
	EventTime     time.Time
	PID           uint32
	Event         string
	BaseAddress   uint64
	ModuleSize    uint64
	Checksum      uint32
	TimeDateStamp uint32
	Path          string
	Session       string
}

// ClickHouse exports function call and module events to ClickHouse.
// Rows are queued through batch processors so a slow database never
// stalls the dispatch loop; overflow drops rows rather than blocking.
type ClickHouse struct {
	engine.BaseHandler

	log     logrus.FieldLogger
	cfg     ClickHouseConfig
	writer  *export.ClickHouseWriter
	health  *export.HealthMetrics
	resolve ModuleResolver

	calls *processor.BatchItemProcessor[callRow]
	mods  *processor.BatchItemProcessor[moduleRow]

	ctx context.Context
}

var _ Sink = (*ClickHouse)(nil)

// NewClickHouse creates a new ClickHouse sink. The resolver is
// consulted at enqueue time so each call row carries the module path
// the address resolved to when the event was dispatched.
func NewClickHouse(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *export.HealthMetrics,
	resolve ModuleResolver,
) (*ClickHouse, error) {
	cfg.ApplyDefaults()

	s := &ClickHouse{
		log:     log.WithField("sink", "clickhouse"),
		cfg:     cfg,
		writer:  export.NewClickHouseWriter(log, cfg.ClickHouseConfig),
		health:  health,
		resolve: resolve,
	}

	calls, err := processor.NewBatchItemProcessor[callRow](
		&callExporter{sink: s},
		"clickhouse_calls",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating call batch processor: %w", err)
	}

	mods, err := processor.NewBatchItemProcessor[moduleRow](
		&moduleExporter{sink: s},
		"clickhouse_modules",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating module batch processor: %w", err)
	}

	s.calls = calls
	s.mods = mods

	return s, nil
}

func (s *ClickHouse) Name() string { return "clickhouse" }

func (s *ClickHouse) Start(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return err
	}

	s.ctx = ctx
	s.calls.Start(ctx)
	s.mods.Start(ctx)

	if s.health != nil {
		s.health.SinkQueueCapacity.WithLabelValues(s.Name()).
			Set(float64(s.cfg.MaxQueueSize))
	}

	s.log.Info("ClickHouse sink started")

	return nil
}

func (s *ClickHouse) Stop() error {
	ctx := context.Background()

	if err := s.calls.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Call processor shutdown failed")
	}

	if err := s.mods.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("Module processor shutdown failed")
	}

	return s.writer.Stop()
}

func (s *ClickHouse) enqueueCall(row *callRow) {
	row.Session = s.cfg.SessionName

	if err := s.calls.Write(s.ctx, []*callRow{row}); err != nil {
		s.log.WithError(err).Debug("Call row dropped (queue may be full)")
	}
}

func (s *ClickHouse) enqueueModule(row *moduleRow) {
	row.Session = s.cfg.SessionName

	if err := s.mods.Write(s.ctx, []*moduleRow{row}); err != nil {
		s.log.WithError(err).Debug("Module row dropped (queue may be full)")
	}
}

func (s *ClickHouse) modulePath(pid uint32, addr uint64) string {
	if s.resolve == nil {
		return ""
	}

	info, ok := s.resolve(pid, addr)
	if !ok {
		return ""
	}

	return info.Path
}

func (s *ClickHouse) OnFunctionEntry(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	s.enqueueCall(&callRow{
		EventTime: ts,
		PID:       pid,
		TID:       tid,
		Kind:      "enter",
		Function:  d.Function,
		Depth:     d.Depth,
		Count:     1,
		Module:    s.modulePath(pid, d.Function),
	})
}

func (s *ClickHouse) OnFunctionExit(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	s.enqueueCall(&callRow{
		EventTime: ts,
		PID:       pid,
		TID:       tid,
		Kind:      "exit",
		Function:  d.Function,
		Depth:     d.Depth,
		Count:     1,
		Module:    s.modulePath(pid, d.Function),
	})
}

func (s *ClickHouse) OnBatchFunctionEntry(ts time.Time, pid, tid uint32, d *wire.BatchEnter) {
	for i := range d.Calls {
		c := &d.Calls[i]

		s.enqueueCall(&callRow{
			EventTime: ts,
			PID:       pid,
			TID:       tid,
			Kind:      "batch_enter",
			Function:  c.Function,
			Count:     1,
			Module:    s.modulePath(pid, c.Function),
		})
	}
}

func (s *ClickHouse) OnInvocationBatch(ts time.Time, pid, tid uint32, d *wire.BatchInvocation) {
	for i := range d.Invocations {
		inv := &d.Invocations[i]

		s.enqueueCall(&callRow{
			EventTime: ts,
			PID:       pid,
			TID:       tid,
			Kind:      "invocation",
			Function:  inv.Function,
			Caller:    inv.Caller,
			Count:     inv.Count,
			Cycles:    inv.CyclesSum,
			Module:    s.modulePath(pid, inv.Function),
		})
	}
}

func (s *ClickHouse) OnDetailedFunctionCall(ts time.Time, pid, tid uint32, d *wire.DetailedCall) {
	s.enqueueCall(&callRow{
		EventTime: ts,
		PID:       pid,
		TID:       tid,
		Kind:      "detailed",
		Function:  d.Function,
		Count:     1,
		Module:    s.modulePath(pid, d.Function),
	})
}

func (s *ClickHouse) OnProcessAttach(ts time.Time, pid, _ uint32, d *wire.ModuleRecord) {
	s.enqueueModule(&moduleRow{
		EventTime:     ts,
		PID:           pid,
		Event:         "attach",
		BaseAddress:   d.BaseAddress,
		ModuleSize:    d.ModuleSize,
		Checksum:      d.Checksum,
		TimeDateStamp: d.TimeDateStamp,
		Path:          d.Path,
	})
}

func (s *ClickHouse) OnProcessDetach(ts time.Time, pid, _ uint32, d *wire.ModuleRecord) {
	s.enqueueModule(&moduleRow{
		EventTime:     ts,
		PID:           pid,
		Event:         "detach",
		BaseAddress:   d.BaseAddress,
		ModuleSize:    d.ModuleSize,
		Checksum:      d.Checksum,
		TimeDateStamp: d.TimeDateStamp,
		Path:          d.Path,
	})
}

// callExporter implements processor.ItemExporter for call rows.
type callExporter struct {
	sink *ClickHouse
}

var _ processor.ItemExporter[callRow] = (*callExporter)(nil)

func (e *callExporter) ExportItems(ctx context.Context, items []*callRow) error {
	s := e.sink
	if len(items) == 0 {
		return nil
	}

	start := time.Now()

	conn := s.writer.Conn()
	table := fmt.Sprintf("%s.function_calls", s.cfg.Database)

	batch, err := conn.PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (event_time, pid, tid, kind, function, caller, depth, count, cycles, module, session)",
			table,
		),
	)
	if err != nil {
		s.recordExportError("prepare")

		return fmt.Errorf("preparing call batch: %w", err)
	}

	for _, row := range items {
		if row == nil {
			continue
		}

		if err := batch.Append(
			row.EventTime,
			row.PID,
			row.TID,
			row.Kind,
			row.Function,
			row.Caller,
			row.Depth,
			row.Count,
			row.Cycles,
			row.Module,
			row.Session,
		); err != nil {
			s.recordExportError("append")

			return fmt.Errorf("appending call row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordExportError("send")

		return fmt.Errorf("sending call batch of %d rows: %w", len(items), err)
	}

	if s.health != nil {
		duration := time.Since(start)
		s.health.SinkFlushDuration.WithLabelValues(s.Name()).Observe(duration.Seconds())
		s.health.SinkBatchSize.WithLabelValues(s.Name()).Observe(float64(len(items)))
		s.health.SinkRowsExported.WithLabelValues(s.Name()).Add(float64(len(items)))
	}

	s.log.WithField("rows", len(items)).Debug("Flushed call rows")

	return nil
}

func (e *callExporter) Shutdown(context.Context) error { return nil }

// moduleExporter implements processor.ItemExporter for module rows.
type moduleExporter struct {
	sink *ClickHouse
}

var _ processor.ItemExporter[moduleRow] = (*moduleExporter)(nil)

func (e *moduleExporter) ExportItems(ctx context.Context, items []*moduleRow) error {
	s := e.sink
	if len(items) == 0 {
		return nil
	}

	conn := s.writer.Conn()
	table := fmt.Sprintf("%s.module_events", s.cfg.Database)

	batch, err := conn.PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (event_time, pid, event, base_address, module_size, checksum, time_date_stamp, path, session)",
			table,
		),
	)
	if err != nil {
		s.recordExportError("prepare")

		return fmt.Errorf("preparing module batch: %w", err)
	}

	for _, row := range items {
		if row == nil {
			continue
		}

		if err := batch.Append(
			row.EventTime,
			row.PID,
			row.Event,
			row.BaseAddress,
			row.ModuleSize,
			row.Checksum,
			row.TimeDateStamp,
			row.Path,
			row.Session,
		); err != nil {
			s.recordExportError("append")

			return fmt.Errorf("appending module row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordExportError("send")

		return fmt.Errorf("sending module batch of %d rows: %w", len(items), err)
	}

	if s.health != nil {
		s.health.SinkRowsExported.WithLabelValues(s.Name()).Add(float64(len(items)))
	}

	s.log.WithField("rows", len(items)).Debug("Flushed module rows")

	return nil
}

func (e *moduleExporter) Shutdown(context.Context) error { return nil }

func (s *ClickHouse) recordExportError(errorType string) {
	if s.health == nil {
		return
	}

	s.health.SinkExportErrors.WithLabelValues(s.Name(), errorType).Inc()
}
