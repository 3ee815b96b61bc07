package telemetry

import "fmt"

// Sample is one per-relay measurement inside a batch.
type Sample struct {
	Relay   int     `json:"relay"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
	Energy  float64 `json:"energy_kwh"` // cumulative
	Cost    float64 `json:"cost_ghs"`
	Voltage float64 `json:"voltage,omitempty"`
	State   bool    `json:"state"`
}

// Batch is the telemetry payload a device reports, over HTTP or the push
// channel. Samples are processed in the order received.
type Batch struct {
	DeviceID  string   `json:"deviceId"`
	Address   string   `json:"address,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"` // unix seconds
	Relays    []Sample `json:"relays"`
}

// ValidationError names the field that made a batch unacceptable. The whole
// batch is rejected; partial batches are not silently dropped per-item.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate is fail-closed: one bad sample rejects the whole batch.
func (b *Batch) Validate() error {
	if b.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "required"}
	}
	if b.Relays == nil {
		return &ValidationError{Field: "relays", Reason: "required"}
	}
	for i, s := range b.Relays {
		if s.Relay < 1 {
			return &ValidationError{
				Field:  "relay",
				Reason: fmt.Sprintf("sample %d: relay index must be a positive integer", i),
			}
		}
	}
	return nil
}
