// Package agent wires the transport, dispatch engine, and sinks into
// a run-to-completion session parser.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/engine"
	"github.com/callscope/callscope/internal/export"
	"github.com/callscope/callscope/internal/migrate"
	"github.com/callscope/callscope/internal/sink"
	"github.com/callscope/callscope/internal/transport"
)

// ErrSessionFaulted is returned when the engine latches a fault while
// parsing the session.
var ErrSessionFaulted = errors.New("session parsing faulted")

// Agent parses one call-trace session file and feeds every record
// through the dispatch engine into the configured sinks.
type Agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	engine *engine.Engine
	sinks  []sink.Sink
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (*Agent, error) {
	a := &Agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: export.NewHealthMetrics(log, cfg.Health),
		sinks:  make([]sink.Sink, 0, 2),
	}

	var opts []engine.Option
	if cfg.Engine.FailOnModuleConflict {
		opts = append(opts, engine.WithFailOnModuleConflict())
	}

	a.engine = engine.New(log, cfg.Engine.Name, opts...)

	// Configure enabled sinks.
	if cfg.Sinks.Stats.Enabled {
		a.sinks = append(a.sinks, sink.NewStats(log, cfg.Sinks.Stats))
	}

	if cfg.Sinks.ClickHouse.Enabled {
		ch, err := sink.NewClickHouse(
			log, cfg.Sinks.ClickHouse, a.health, a.engine.ModuleAt,
		)
		if err != nil {
			return nil, fmt.Errorf("creating clickhouse sink: %w", err)
		}

		a.sinks = append(a.sinks, ch)
	}

	handlers := make([]engine.Handler, 0, len(a.sinks))
	for _, s := range a.sinks {
		handlers = append(handlers, s)
	}

	a.engine.SetHandler(sink.NewMulti(handlers...))

	return a, nil
}

// Run parses the configured session file to completion. It returns
// ErrSessionFaulted if the engine latched a fault, the context error
// if interrupted, and nil on a clean end of stream.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Health.Enabled {
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("starting health metrics: %w", err)
		}

		defer a.health.Stop()
	}

	if a.cfg.MigrateOnStart && a.cfg.Sinks.ClickHouse.Enabled {
		m := migrate.New(a.log, a.cfg.Sinks.ClickHouse.DSN())
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	for _, s := range a.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		a.log.WithField("sink", s.Name()).Info("Sink started")
	}

	defer a.stopSinks()

	reader, err := transport.Open(a.log, a.cfg.Input.Path)
	if err != nil {
		return err
	}

	defer reader.Close()

	a.log.WithFields(logrus.Fields{
		"path":        a.cfg.Input.Path,
		"compression": reader.Compression().String(),
	}).Info("Parsing session")

	if err := a.pump(ctx, reader); err != nil {
		return err
	}

	a.log.WithFields(logrus.Fields{
		"processes": a.engine.ProcessCount(),
		"modules":   a.engine.ModuleCount(),
	}).Info("Session parsed")

	return nil
}

// pump feeds records from the reader through the engine on a single
// goroutine; the engine owns no locks and relies on this sequencing.
func (a *Agent) pump(ctx context.Context, reader *transport.Reader) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading session file: %w", err)
		}

		start := time.Now()

		if a.engine.DispatchEvent(rec) {
			a.health.RecordsDispatched.Inc()
			a.health.RecordsByKind.
				WithLabelValues(rec.Header.Kind.String()).Inc()
		} else {
			a.health.RecordsIgnored.Inc()
		}

		a.health.DispatchDuration.Observe(time.Since(start).Seconds())
		a.health.ProcessesTracked.Set(float64(a.engine.ProcessCount()))
		a.health.ModulesTracked.Set(float64(a.engine.ModuleCount()))

		if a.engine.ErrorOccurred() {
			a.health.EngineFaulted.Set(1)

			return ErrSessionFaulted
		}
	}
}

func (a *Agent) stopSinks() {
	// Stop in reverse order.
	for i := len(a.sinks) - 1; i >= 0; i-- {
		s := a.sinks[i]
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}
}
