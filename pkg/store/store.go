// Package store persists devices and telemetry for the ingestion service.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smartcampus/telemetryd/pkg/topic"
)

// DeviceStatus is the connectivity state inferred for a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "ONLINE"
	StatusOffline DeviceStatus = "OFFLINE"
	StatusUnknown DeviceStatus = "UNKNOWN"
)

// ErrDeviceNotFound is returned when a device id does not exist.
var ErrDeviceNotFound = errors.New("store: device not found")

// Device is a registered device together with the capabilities its type
// declares. Devices are created and edited elsewhere; this service only
// reads them and writes back status.
type Device struct {
	ID           string
	Name         string
	BaseTopic    string
	Status       DeviceStatus
	Capabilities []topic.Capability
}

// Telemetry is one immutable reading received from a device.
type Telemetry struct {
	ID         uuid.UUID
	DeviceID   string
	Capability topic.Capability
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Store is the persistence surface the ingestion service depends on.
type Store interface {
	// Devices returns every device with its declared capabilities.
	Devices(ctx context.Context) ([]Device, error)
	// Device returns one device by id, or ErrDeviceNotFound.
	Device(ctx context.Context, id string) (Device, error)
	// LatestTelemetry returns the most recent telemetry record for a
	// device, or nil when none has ever been recorded.
	LatestTelemetry(ctx context.Context, deviceID string) (*Telemetry, error)
	// CreateTelemetry appends a telemetry record.
	CreateTelemetry(ctx context.Context, t Telemetry) error
	// UpdateDeviceStatus sets a device's connectivity status.
	UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error
}
