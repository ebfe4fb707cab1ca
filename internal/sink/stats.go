package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/engine"
	"github.com/callscope/callscope/internal/wire"
)

// StatsConfig configures the stats sink.
type StatsConfig struct {
	// Enabled enables the sink.
	Enabled bool `yaml:"enabled"`

	// Interval is how often a summary line is logged.
	// Defaults to 10s.
	Interval time.Duration `yaml:"interval"`
}

// Stats counts events per kind and logs a periodic summary. Batch
// events additionally count their individual entries.
type Stats struct {
	engine.BaseHandler

	log    logrus.FieldLogger
	cfg    StatsConfig
	stats  *engine.Stats
	totals map[wire.Kind]uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Sink = (*Stats)(nil)

// NewStats creates a new stats sink.
func NewStats(log logrus.FieldLogger, cfg StatsConfig) *Stats {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	return &Stats{
		log:    log.WithField("sink", "stats"),
		cfg:    cfg,
		stats:  engine.NewStats(),
		totals: make(map[wire.Kind]uint64),
	}
}

func (s *Stats) Name() string { return "stats" }

func (s *Stats) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go s.reportLoop(ctx)

	return nil
}

func (s *Stats) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
	s.report()

	s.log.WithField("totals", s.totalFields()).Info("Session totals")

	return nil
}

func (s *Stats) reportLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report()
		}
	}
}

// report folds the latest snapshot into the running totals and logs
// any activity since the last tick.
func (s *Stats) report() {
	snap := s.stats.Snapshot()
	if len(snap) == 0 {
		return
	}

	fields := make(logrus.Fields, len(snap))

	for kind, n := range snap {
		s.totals[kind] += n
		fields[kind.String()] = n
	}

	s.log.WithFields(fields).Info("Event counts")
}

func (s *Stats) totalFields() logrus.Fields {
	fields := make(logrus.Fields, len(s.totals))
	for kind, n := range s.totals {
		fields[kind.String()] = n
	}

	return fields
}

func (s *Stats) OnFunctionEntry(time.Time, uint32, uint32, *wire.EnterExitRecord) {
	s.stats.Record(wire.KindEnterFunction)
}

func (s *Stats) OnFunctionExit(time.Time, uint32, uint32, *wire.EnterExitRecord) {
	s.stats.Record(wire.KindExitFunction)
}

func (s *Stats) OnBatchFunctionEntry(_ time.Time, _, _ uint32, d *wire.BatchEnter) {
	s.stats.RecordN(wire.KindBatchEnter, uint64(len(d.Calls)))
}

func (s *Stats) OnInvocationBatch(_ time.Time, _, _ uint32, d *wire.BatchInvocation) {
	s.stats.RecordN(wire.KindBatchInvocation, uint64(len(d.Invocations)))
}

func (s *Stats) OnProcessAttach(time.Time, uint32, uint32, *wire.ModuleRecord) {
	s.stats.Record(wire.KindProcessAttach)
}

func (s *Stats) OnProcessDetach(time.Time, uint32, uint32, *wire.ModuleRecord) {
	s.stats.Record(wire.KindProcessDetach)
}

func (s *Stats) OnThreadAttach(time.Time, uint32, uint32, *wire.ModuleRecord) {
	s.stats.Record(wire.KindThreadAttach)
}

func (s *Stats) OnThreadDetach(time.Time, uint32, uint32, *wire.ModuleRecord) {
	s.stats.Record(wire.KindThreadDetach)
}

func (s *Stats) OnProcessEnded(time.Time, uint32) {
	s.stats.Record(wire.KindProcessEnded)
}

func (s *Stats) OnThreadName(time.Time, uint32, uint32, []byte) {
	s.stats.Record(wire.KindThreadName)
}

func (s *Stats) OnIndexedFrequency(time.Time, uint32, uint32, *wire.IndexedFrequency) {
	s.stats.Record(wire.KindIndexedFrequency)
}

func (s *Stats) OnDynamicSymbol(uint32, uint32, []byte) {
	s.stats.Record(wire.KindDynamicSymbol)
}

func (s *Stats) OnSampleData(time.Time, uint32, *wire.SampleData) {
	s.stats.Record(wire.KindSampleData)
}

func (s *Stats) OnFunctionNameTableEntry(time.Time, uint32, *wire.FunctionNameTableEntry) {
	s.stats.Record(wire.KindFunctionNameTable)
}

func (s *Stats) OnStackTrace(time.Time, uint32, *wire.StackTrace) {
	s.stats.Record(wire.KindStackTrace)
}

func (s *Stats) OnDetailedFunctionCall(time.Time, uint32, uint32, *wire.DetailedCall) {
	s.stats.Record(wire.KindDetailedCall)
}

func (s *Stats) OnComment(time.Time, uint32, *wire.Comment) {
	s.stats.Record(wire.KindComment)
}

func (s *Stats) OnProcessHeap(time.Time, uint32, *wire.ProcessHeap) {
	s.stats.Record(wire.KindProcessHeap)
}
