package telemetry

import (
	"regexp"
	"strconv"
	"strings"
)

// Firmware serial-monitor frame, one relay per line:
//
//	Relay 1: ON  - 0.50A | 115W | 0.001 kWh | 0.00 Ghs
//	TOTAL: 0.013 kWh | 0.02 Ghs
var (
	relayLineRe = regexp.MustCompile(`Relay\s+(\d+):\s+(ON|OFF)\s*-\s*([0-9.]+)A\s*\|\s*([0-9.]+)W\s*\|\s*([0-9.]+)\s*kWh\s*\|\s*([0-9.]+)\s*Ghs`)
	totalLineRe = regexp.MustCompile(`TOTAL:\s*([0-9.]+)\s*kWh\s*\|\s*([0-9.]+)\s*Ghs`)
)

// FrameTotals is the trailing TOTAL line of a text frame.
type FrameTotals struct {
	Energy float64
	Cost   float64
}

// ParseESPFrame extracts relay samples from the plain-text format older
// firmware emits on its serial monitor.
func ParseESPFrame(raw string) ([]Sample, FrameTotals) {
	var samples []Sample
	var totals FrameTotals

	for _, line := range strings.Split(raw, "\n") {
		if m := relayLineRe.FindStringSubmatch(line); m != nil {
			relay, _ := strconv.Atoi(m[1])
			current, _ := strconv.ParseFloat(m[3], 64)
			power, _ := strconv.ParseFloat(m[4], 64)
			energy, _ := strconv.ParseFloat(m[5], 64)
			cost, _ := strconv.ParseFloat(m[6], 64)
			samples = append(samples, Sample{
				Relay:   relay,
				State:   m[2] == "ON",
				Current: current,
				Power:   power,
				Energy:  energy,
				Cost:    cost,
			})
			continue
		}
		if m := totalLineRe.FindStringSubmatch(line); m != nil {
			totals.Energy, _ = strconv.ParseFloat(m[1], 64)
			totals.Cost, _ = strconv.ParseFloat(m[2], 64)
		}
	}
	return samples, totals
}
