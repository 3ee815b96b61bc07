package models

import (
	"time"

	"gorm.io/gorm"
)

// Device — a physical relay controller board. Created on first contact,
// never soft-deleted; connectivity is derived from the live registry, not
// from this row.
type Device struct {
	DeviceID  string `gorm:"column:device_id;primaryKey;size:64"`
	Address   string `gorm:"size:64"` // last-known network address, advisory
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appliance — a logical load bound to one relay index. At most one live
// (non-deleted) appliance per relay; reserved relays are restored on contact
// instead of recreated.
type Appliance struct {
	gorm.Model
	Name          string `gorm:"size:128"`
	Relay         int    `gorm:"index"`
	Status        string `gorm:"size:16;default:unknown"` // on|off|unknown
	Scheduled     bool
	ScheduleOn    *time.Time
	ScheduleOff   *time.Time
	ManuallyAdded bool
}

// SensorReading — one immutable telemetry sample. Append-only.
type SensorReading struct {
	ID          uint `gorm:"primaryKey"`
	ApplianceID uint `gorm:"index"`
	Current     float64
	Voltage     float64
	Power       float64
	Energy      float64 // cumulative kWh
	Cost        float64 // GHS, derived by the device
	RelayState  bool
	Timestamp   time.Time `gorm:"index"`
	DeviceID    string    `gorm:"column:device_id;index;size:64"`
}

// Command — a pending or completed relay instruction. Kept after expiry for
// audit; a command past ExpiresAt is never delivered by push or poll.
type Command struct {
	gorm.Model
	DeviceID    string `gorm:"column:device_id;index;size:64"`
	Relay       int
	State       bool
	Delivered   bool
	Executed    bool // optimistic: set when delivery is attempted
	ExpiresAt   time.Time
	ScheduledAt *time.Time // nil for immediate commands
}

// ReservedRelayMax bounds the relay indices provisioned for the built-in
// sockets; manual appliances must use indices above it.
const ReservedRelayMax = 4

// ReservedRelayNames is the canonical display name per built-in relay.
var ReservedRelayNames = map[int]string{
	1: "Socket A",
	2: "Socket B",
	3: "Socket C",
	4: "Socket D",
}

// Expired reports whether the command is past its delivery window.
func (c *Command) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
