package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/version"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// BatchSize is the number of rows per batch insert.
	// Defaults to 10000.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is the maximum time rows wait before a flush.
	// Defaults to 1s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// MaxQueueSize is the number of rows buffered before the sink
	// starts dropping. Defaults to 65536.
	MaxQueueSize int `yaml:"max_queue_size"`

	// DialTimeout is the connection establishment timeout.
	// Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// SessionName is stamped onto every exported row so multiple
	// capture sessions can share one database.
	SessionName string `yaml:"session_name"`
}

// ApplyDefaults applies default values to unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 65536
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// DSN returns the connection string form of the endpoint, as used by
// the schema migrator.
func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s/%s", c.Endpoint, c.Database)
}

// ClickHouseWriter manages the connection used by the export sink.
// The connection is tagged with the callscope version and the capture
// session name, so server-side query logs can be traced back to the
// session that produced them.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse").
			WithField("session", cfg.SessionName),
		cfg: cfg,
	}
}

// Start opens and verifies the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "callscope", Version: version.Release},
			},
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  w.cfg.DialTimeout,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return fmt.Errorf("connecting to clickhouse at %s: %w", w.cfg.Endpoint, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()

		return fmt.Errorf("clickhouse %s unreachable: %w", w.cfg.Endpoint, err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"database": w.cfg.Database,
	}).Info("Connected to ClickHouse")

	return nil
}

// Conn returns the underlying ClickHouse connection.
func (w *ClickHouseWriter) Conn() clickhouse.Conn {
	return w.conn
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn == nil {
		return nil
	}

	w.log.Debug("Closing ClickHouse connection")

	err := w.conn.Close()
	w.conn = nil

	return err
}
