package telemetry

import (
	"time"

	"wattgate/internal/logs"
	"wattgate/internal/models"
	"wattgate/internal/threshold"
)

// Broadcaster receives one event per accepted batch (observer fan-out).
type Broadcaster interface {
	Broadcast(v any)
}

// AutoOffIssuer enqueues a safety cut-off command for a relay that tripped
// the power ceiling.
type AutoOffIssuer interface {
	AutoOff(deviceID string, relay int)
}

// BatchEvent is the normalized form pushed to observers, one per batch so
// fan-out volume is bounded by batches, not samples.
type BatchEvent struct {
	Type      string         `json:"type"` // "sensorData"
	DeviceID  string         `json:"deviceId"`
	Timestamp time.Time      `json:"timestamp"`
	Readings  []ReadingEvent `json:"readings"`
}

type ReadingEvent struct {
	ApplianceID uint    `json:"applianceId"`
	Relay       int     `json:"relay"`
	Current     float64 `json:"current"`
	Voltage     float64 `json:"voltage"`
	Power       float64 `json:"power"`
	Energy      float64 `json:"energy_kwh"`
	Cost        float64 `json:"cost_ghs"`
	State       bool    `json:"state"`
}

// Service turns raw device batches into validated, persisted, broadcast
// readings.
type Service struct {
	repo    *Repo
	limits  *threshold.Monitor
	bcast   Broadcaster
	autoOff AutoOffIssuer

	defaultVoltage float64
	now            func() time.Time
}

func NewService(repo *Repo, limits *threshold.Monitor, bcast Broadcaster, defaultVoltage float64) *Service {
	if defaultVoltage <= 0 {
		defaultVoltage = 230
	}
	return &Service{
		repo:           repo,
		limits:         limits,
		bcast:          bcast,
		defaultVoltage: defaultVoltage,
		now:            time.Now,
	}
}

// SetAutoOffIssuer wires the command dispatcher in after construction; the
// dispatcher itself needs the registry, so the two are linked at startup.
func (s *Service) SetAutoOffIssuer(a AutoOffIssuer) { s.autoOff = a }

// Ingest processes one batch: per sample it resolves (or provisions, or
// restores) the bound appliance, persists the reading, and evaluates the
// power ceiling; then it upserts the device row and publishes one event.
// Returns the count of accepted readings.
func (s *Service) Ingest(b Batch) (int, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}

	ts := s.now().UTC()
	if b.Timestamp > 0 {
		ts = time.Unix(b.Timestamp, 0).UTC()
	}

	event := BatchEvent{Type: "sensorData", DeviceID: b.DeviceID, Timestamp: ts, Readings: make([]ReadingEvent, 0, len(b.Relays))}
	accepted := 0

	for _, sample := range b.Relays {
		ap, err := s.repo.FindOrCreateByRelay(sample.Relay)
		if err != nil {
			return accepted, err
		}

		voltage := sample.Voltage
		if voltage <= 0 {
			voltage = s.defaultVoltage
		}

		reading := models.SensorReading{
			ApplianceID: ap.ID,
			Current:     sample.Current,
			Voltage:     voltage,
			Power:       sample.Power,
			Energy:      sample.Energy,
			Cost:        sample.Cost,
			RelayState:  sample.State,
			Timestamp:   ts,
			DeviceID:    b.DeviceID,
		}
		if err := s.repo.InsertReading(&reading); err != nil {
			return accepted, err
		}
		if err := s.repo.SetApplianceState(ap.ID, sample.State); err != nil {
			logs.Logger.WithField("appliance", ap.ID).Warnf("state mirror: %v", err)
		}

		if s.limits != nil && s.limits.Exceeded(sample.Power) {
			logs.Logger.WithFields(map[string]any{
				"device": b.DeviceID, "relay": sample.Relay, "power": sample.Power, "limit": s.limits.Limit(),
			}).Warn("power ceiling exceeded, issuing auto-off")
			if s.autoOff != nil {
				s.autoOff.AutoOff(b.DeviceID, sample.Relay)
			}
		}

		event.Readings = append(event.Readings, ReadingEvent{
			ApplianceID: ap.ID,
			Relay:       sample.Relay,
			Current:     sample.Current,
			Voltage:     voltage,
			Power:       sample.Power,
			Energy:      sample.Energy,
			Cost:        sample.Cost,
			State:       sample.State,
		})
		accepted++
	}

	if err := s.repo.UpsertDevice(b.DeviceID, b.Address, ts); err != nil {
		return accepted, err
	}

	if s.bcast != nil && accepted > 0 {
		s.bcast.Broadcast(event)
	}
	return accepted, nil
}
