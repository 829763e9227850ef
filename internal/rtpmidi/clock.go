package rtpmidi

import "time"

// tickDuration is one unit of the 10 kHz clock mandated by AppleMIDI: 1/10
// of a millisecond.
const tickDuration = 100 * time.Microsecond

// Clock derives the session's 64-bit 1/10ms timestamp from a monotonic
// start instant, and holds the most recent clock-sync estimates.
type Clock struct {
	start  time.Time
	rtt    int64
	offset int64
}

// NewClock starts a session clock at start (normally time.Now()).
func NewClock(start time.Time) *Clock {
	return &Clock{start: start}
}

// Now returns ticks elapsed since the clock started.
func (c *Clock) Now() uint64 {
	return uint64(time.Since(c.start) / tickDuration)
}

// RTT returns the most recent round-trip-time estimate, in ticks.
func (c *Clock) RTT() int64 { return c.rtt }

// Offset returns the most recent clock offset estimate, T1-(T0+RTT/2), in
// ticks. It is remote-minus-local when this peer originated the exchange
// (T0 and T2 local) and local-minus-remote when the remote did.
func (c *Clock) Offset() int64 { return c.offset }

// SetEstimate records a new round-trip-time and offset estimate, as
// produced by a completed CK exchange.
func (c *Clock) SetEstimate(rtt, offset int64) {
	c.rtt = rtt
	c.offset = offset
}

// EstimateFromExchange derives RTT and offset from a completed three-way CK
// exchange: RTT = T2-T0, offset = T1-(T0+RTT/2). All units are 1/10ms ticks.
func EstimateFromExchange(t0, t1, t2 uint64) (rtt, offset int64) {
	rtt = int64(t2 - t0)
	offset = int64(t1) - (int64(t0) + rtt/2)
	return rtt, offset
}
