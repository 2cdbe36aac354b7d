package outbound

import "time"

// Meter receives data-path measurements from the relay core. The
// Prometheus implementation lives in the health adapter; the core only
// sees this interface so the hot path never touches collector types.
// All methods must be safe for concurrent use and must never block.
type Meter interface {
	// AdmissionDenied counts a connection refused before a session
	// existed. reason is "blocked" or "rate_limited".
	AdmissionDenied(listener, reason string)

	// AuthFailure counts a rejected credential.
	AuthFailure(listener string)

	// Throttled counts a frame discarded by the sliding window.
	Throttled(listener string)

	// Blocked counts a rate-limit escalation to an IP block.
	Blocked(listener string)

	// FrameFromPeer counts one inbound frame and its size.
	FrameFromPeer(listener string, bytes int)

	// FrameToPeer counts one outbound frame and its size.
	FrameToPeer(listener string, bytes int)

	// RelayLatency records the gateway-side handling time of one
	// inbound frame, from decode to handoff.
	RelayLatency(listener string, d time.Duration)
}

// NopMeter discards all measurements. Used when metrics are disabled
// and in tests.
type NopMeter struct{}

func (NopMeter) AdmissionDenied(string, string)     {}
func (NopMeter) AuthFailure(string)                 {}
func (NopMeter) Throttled(string)                   {}
func (NopMeter) Blocked(string)                     {}
func (NopMeter) FrameFromPeer(string, int)          {}
func (NopMeter) FrameToPeer(string, int)            {}
func (NopMeter) RelayLatency(string, time.Duration) {}

// MultiMeter fans each measurement out to every meter, in order.
func MultiMeter(meters ...Meter) Meter {
	return multiMeter(meters)
}

type multiMeter []Meter

func (m multiMeter) AdmissionDenied(listener, reason string) {
	for _, mm := range m {
		mm.AdmissionDenied(listener, reason)
	}
}

func (m multiMeter) AuthFailure(listener string) {
	for _, mm := range m {
		mm.AuthFailure(listener)
	}
}

func (m multiMeter) Throttled(listener string) {
	for _, mm := range m {
		mm.Throttled(listener)
	}
}

func (m multiMeter) Blocked(listener string) {
	for _, mm := range m {
		mm.Blocked(listener)
	}
}

func (m multiMeter) FrameFromPeer(listener string, bytes int) {
	for _, mm := range m {
		mm.FrameFromPeer(listener, bytes)
	}
}

func (m multiMeter) FrameToPeer(listener string, bytes int) {
	for _, mm := range m {
		mm.FrameToPeer(listener, bytes)
	}
}

func (m multiMeter) RelayLatency(listener string, d time.Duration) {
	for _, mm := range m {
		mm.RelayLatency(listener, d)
	}
}
