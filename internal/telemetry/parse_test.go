package telemetry

import "testing"

const sampleFrame = `SmartBoard v2 readings
Relay 1: ON  - 0.50A | 115W | 0.001 kWh | 0.00 Ghs
Relay 2: OFF - 0.00A | 0W | 0.000 kWh | 0.00 Ghs
Relay 3: ON  - 1.25A | 287.5W | 0.010 kWh | 0.15 Ghs
TOTAL: 0.011 kWh | 0.15 Ghs
`

func TestParseESPFrame(t *testing.T) {
	samples, totals := ParseESPFrame(sampleFrame)
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}

	first := samples[0]
	if first.Relay != 1 || !first.State || first.Current != 0.5 || first.Power != 115 || first.Energy != 0.001 {
		t.Errorf("first sample = %+v", first)
	}
	if samples[1].State {
		t.Error("relay 2 parsed as ON")
	}
	if samples[2].Power != 287.5 || samples[2].Cost != 0.15 {
		t.Errorf("third sample = %+v", samples[2])
	}

	if totals.Energy != 0.011 || totals.Cost != 0.15 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestParseESPFrameIgnoresNoise(t *testing.T) {
	samples, totals := ParseESPFrame("boot: wifi connected\nfree heap 123456\n")
	if len(samples) != 0 {
		t.Errorf("samples from noise: %+v", samples)
	}
	if totals.Energy != 0 || totals.Cost != 0 {
		t.Errorf("totals from noise: %+v", totals)
	}
}

func TestBatchValidate(t *testing.T) {
	cases := []struct {
		name  string
		batch Batch
		field string
	}{
		{"missing device", Batch{Relays: []Sample{{Relay: 1}}}, "deviceId"},
		{"nil relays", Batch{DeviceID: "dev"}, "relays"},
		{"zero relay", Batch{DeviceID: "dev", Relays: []Sample{{Relay: 0}}}, "relay"},
		{"negative relay", Batch{DeviceID: "dev", Relays: []Sample{{Relay: 1}, {Relay: -2}}}, "relay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.batch.Validate()
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	ok := Batch{DeviceID: "dev", Relays: []Sample{}}
	if err := ok.Validate(); err != nil {
		t.Errorf("empty relays slice should be valid: %v", err)
	}
}
