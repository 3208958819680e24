// Package stats collects protocol metrics: event counters and exponentially
// smoothed bandwidth estimates. A [Collector] adapter exposes everything to
// Prometheus.
package stats

// DataPoint enumerates the countable protocol events.
type DataPoint int

const (
	PacketsSent DataPoint = iota
	PacketsReceived
	PacketsAcked
	PacketsStale
	PacketsInvalid
	PacketsTooLargeToSend
	PacketsTooLargeToReceive
	FragmentsSent
	FragmentsReceived
	FragmentsInvalid

	numDataPoints
)

var dataPointNames = [numDataPoints]string{
	PacketsSent:              "packets_sent",
	PacketsReceived:          "packets_received",
	PacketsAcked:             "packets_acked",
	PacketsStale:             "packets_stale",
	PacketsInvalid:           "packets_invalid",
	PacketsTooLargeToSend:    "packets_too_large_to_send",
	PacketsTooLargeToReceive: "packets_too_large_to_receive",
	FragmentsSent:            "fragments_sent",
	FragmentsReceived:        "fragments_received",
	FragmentsInvalid:         "fragments_invalid",
}

func (d DataPoint) String() string {
	if d < 0 || d >= numDataPoints {
		return "unknown"
	}
	return dataPointNames[d]
}

// Metrics stores per-endpoint counters and bandwidth estimates. It is not
// internally synchronised; like the engine it relies on the host serialising
// protocol calls.
type Metrics struct {
	counters [numDataPoints]uint64

	sentBandwidthKbps     float32
	receivedBandwidthKbps float32
	ackedBandwidthKbps    float32

	smoothingFactor float32
}

// NewMetrics returns a Metrics whose bandwidth estimates smooth with the
// given factor, typically 0.1.
func NewMetrics(smoothingFactor float32) *Metrics {
	return &Metrics{smoothingFactor: smoothingFactor}
}

// Count returns the current value of a counter.
func (m *Metrics) Count(d DataPoint) uint64 { return m.counters[d] }

// Increment adds one to a counter.
func (m *Metrics) Increment(d DataPoint) { m.counters[d]++ }

// Add bumps a counter by delta.
func (m *Metrics) Add(d DataPoint, delta uint64) { m.counters[d] += delta }

// SentBandwidthKbps returns the smoothed outgoing bandwidth estimate.
func (m *Metrics) SentBandwidthKbps() float32 { return m.sentBandwidthKbps }

// ReceivedBandwidthKbps returns the smoothed incoming bandwidth estimate.
func (m *Metrics) ReceivedBandwidthKbps() float32 { return m.receivedBandwidthKbps }

// AckedBandwidthKbps returns the smoothed acknowledged bandwidth estimate.
func (m *Metrics) AckedBandwidthKbps() float32 { return m.ackedBandwidthKbps }

// ObserveSent folds bytes sent over elapsedMs into the sent estimate.
func (m *Metrics) ObserveSent(bytes int, elapsedMs float64) {
	smooth(&m.sentBandwidthKbps, bytes, elapsedMs, m.smoothingFactor)
}

// ObserveReceived folds bytes received over elapsedMs into the received
// estimate.
func (m *Metrics) ObserveReceived(bytes int, elapsedMs float64) {
	smooth(&m.receivedBandwidthKbps, bytes, elapsedMs, m.smoothingFactor)
}

// ObserveAcked folds bytes acknowledged over elapsedMs into the acked
// estimate.
func (m *Metrics) ObserveAcked(bytes int, elapsedMs float64) {
	smooth(&m.ackedBandwidthKbps, bytes, elapsedMs, m.smoothingFactor)
}

// smooth is the reliable.io bandwidth EWMA: estimates converge toward the
// instantaneous rate in kilobits per second, snapping once within epsilon.
func smooth(estimate *float32, bytes int, elapsedMs float64, factor float32) {
	const epsilon = 0.00001
	instant := float32(float64(bytes) / elapsedMs * 8.0 / 1000.0)
	diff := *estimate - instant
	if diff < 0 {
		diff = -diff
	}
	if diff > epsilon {
		*estimate += (instant - *estimate) * factor
	} else {
		*estimate = instant
	}
}
