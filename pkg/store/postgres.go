package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/pkg/topic"
)

//go:embed schema.sql
var schema string

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a pool from connString and verifies the connection
// with a ping.
func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Connect is NewPostgres with exponential-backoff retries, for process
// startup where the database may not be reachable yet.
func Connect(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var pg *Postgres
	op := func() error {
		var err error
		pg, err = NewPostgres(ctx, connString, logger)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	notify := func(err error, next time.Duration) {
		logger.Warn("Postgres connection failed, retrying",
			zap.Error(err), zap.Duration("next", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pg, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	// Simple protocol: the schema is multiple statements in one string.
	if _, err := p.pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const deviceColumns = `
	d.id, d.name, d.base_topic, d.status,
	COALESCE(array_agg(c.capability ORDER BY c.capability)
		FILTER (WHERE c.capability IS NOT NULL), '{}')`

func (p *Postgres) Devices(ctx context.Context) ([]Device, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d
		LEFT JOIN device_type_capabilities c ON c.device_type_id = d.device_type_id
		GROUP BY d.id, d.name, d.base_topic, d.status`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (p *Postgres) Device(ctx context.Context, id string) (Device, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d
		LEFT JOIN device_type_capabilities c ON c.device_type_id = d.device_type_id
		WHERE d.id = $1
		GROUP BY d.id, d.name, d.base_topic, d.status`, id)

	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	return d, err
}

func (p *Postgres) LatestTelemetry(ctx context.Context, deviceID string) (*Telemetry, error) {
	var t Telemetry
	err := p.pool.QueryRow(ctx, `
		SELECT id, device_id, capability, data, received_at
		FROM telemetry
		WHERE device_id = $1
		ORDER BY received_at DESC
		LIMIT 1`, deviceID).
		Scan(&t.ID, &t.DeviceID, &t.Capability, &t.Data, &t.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest telemetry: %w", err)
	}
	return &t, nil
}

func (p *Postgres) CreateTelemetry(ctx context.Context, t Telemetry) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO telemetry (id, device_id, capability, data, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.DeviceID, string(t.Capability), t.Data, t.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting telemetry: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE devices SET status = $2 WHERE id = $1`, deviceID, string(status))
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	var status string
	var caps []string
	if err := row.Scan(&d.ID, &d.Name, &d.BaseTopic, &status, &caps); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, pgx.ErrNoRows
		}
		return Device{}, fmt.Errorf("scanning device: %w", err)
	}
	d.Status = DeviceStatus(status)
	d.Capabilities = make([]topic.Capability, 0, len(caps))
	for _, c := range caps {
		d.Capabilities = append(d.Capabilities, topic.Capability(c))
	}
	return d, nil
}
