package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartcampus/telemetryd/internal/testutil/pgtest"
	"github.com/smartcampus/telemetryd/pkg/topic"
)

func setupStore(t *testing.T) (*Postgres, context.Context) {
	ctx := context.Background()
	connString := pgtest.ConnString(t)

	pg, err := NewPostgres(ctx, connString, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, pg.Migrate(ctx))

	conn := pgtest.Connect(ctx, t)
	_, err = conn.Exec(ctx,
		`TRUNCATE telemetry, devices, device_type_capabilities, device_types CASCADE`,
		pgx.QueryExecModeSimpleProtocol)
	require.NoError(t, err)

	_, err = conn.Exec(ctx, `
		INSERT INTO device_types (id, name) VALUES ('dt-light', 'Light');
		INSERT INTO device_type_capabilities (device_type_id, capability) VALUES
			('dt-light', 'STATUS_ONOFF'),
			('dt-light', 'COMMAND_ONOFF');
		INSERT INTO devices (id, name, base_topic, status, device_type_id) VALUES
			('dev-1', 'Desk lamp', 'devices/room1', 'UNKNOWN', 'dt-light'),
			('dev-2', 'Unprovisioned lamp', '', 'UNKNOWN', 'dt-light');
	`, pgx.QueryExecModeSimpleProtocol)
	require.NoError(t, err)

	return pg, ctx
}

func TestPostgresDevices(t *testing.T) {
	pg, ctx := setupStore(t)

	devices, err := pg.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	var lamp Device
	for _, d := range devices {
		if d.ID == "dev-1" {
			lamp = d
		}
	}
	assert.Equal(t, "Desk lamp", lamp.Name)
	assert.Equal(t, "devices/room1", lamp.BaseTopic)
	assert.Equal(t, StatusUnknown, lamp.Status)
	assert.ElementsMatch(t,
		[]topic.Capability{topic.StatusOnOff, topic.CommandOnOff},
		lamp.Capabilities)
}

func TestPostgresDevice(t *testing.T) {
	pg, ctx := setupStore(t)

	d, err := pg.Device(ctx, "dev-2")
	require.NoError(t, err)
	assert.Empty(t, d.BaseTopic)

	_, err = pg.Device(ctx, "no-such-device")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPostgresTelemetry(t *testing.T) {
	pg, ctx := setupStore(t)

	latest, err := pg.LatestTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, latest, "no telemetry recorded yet")

	now := time.Now().UTC().Truncate(time.Microsecond)
	older := Telemetry{
		DeviceID:   "dev-1",
		Capability: topic.StatusOnOff,
		Data:       []byte(`{"state": false}`),
		ReceivedAt: now.Add(-time.Minute),
	}
	newer := Telemetry{
		DeviceID:   "dev-1",
		Capability: topic.StatusOnOff,
		Data:       []byte(`{"state": true}`),
		ReceivedAt: now,
	}
	require.NoError(t, pg.CreateTelemetry(ctx, older))
	require.NoError(t, pg.CreateTelemetry(ctx, newer))

	latest, err = pg.LatestTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, topic.StatusOnOff, latest.Capability)
	assert.JSONEq(t, `{"state": true}`, string(latest.Data))
	assert.True(t, latest.ReceivedAt.Equal(now))
}

func TestPostgresUpdateDeviceStatus(t *testing.T) {
	pg, ctx := setupStore(t)

	require.NoError(t, pg.UpdateDeviceStatus(ctx, "dev-1", StatusOnline))

	d, err := pg.Device(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, d.Status)

	err = pg.UpdateDeviceStatus(ctx, "no-such-device", StatusOffline)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
