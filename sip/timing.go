package sip

import (
	"cmp"
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// RFC 3261 base timer defaults.
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit interval of non-INVITE requests and
	// INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum lifetime of a message in the network.
	T4 = 5 * time.Second
	// TimeD is how long a client transaction absorbs response
	// retransmits over an unreliable transport.
	TimeD = 32 * time.Second
	// Time100 delays the automatic 100 Trying on an INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base timer values of RFC 3261 appendix A.
// Every transaction timer derives from the five bases; a zero base
// falls back to the package default.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

var defTimingCfg TimingConfig

// NewTimings builds a [TimingConfig] from explicit base values.
// Zero values keep the [T1], [T2], [T4], [TimeD] and [Time100]
// defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 is the round-trip time estimate.
func (c TimingConfig) T1() time.Duration { return cmp.Or(c.t1, T1) }

// T2 caps the retransmit interval of non-INVITE requests and INVITE
// responses.
func (c TimingConfig) T2() time.Duration { return cmp.Or(c.t2, T2) }

// T4 is the maximum lifetime of a message in the network.
func (c TimingConfig) T4() time.Duration { return cmp.Or(c.t4, T4) }

// TimeD is how long a completed INVITE client transaction absorbs
// response retransmits over an unreliable transport.
func (c TimingConfig) TimeD() time.Duration { return cmp.Or(c.timeD, TimeD) }

// Time100 delays the automatic 100 Trying on an INVITE.
func (c TimingConfig) Time100() time.Duration { return cmp.Or(c.time100, Time100) }

// Derived transaction timers, per RFC 3261 appendix A.

// TimeA is the initial INVITE retransmit interval, T1.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeC is the proxy INVITE transaction timeout, 600*T1.
func (c TimingConfig) TimeC() time.Duration { return 600 * c.T1() }

// TimeE is the initial non-INVITE retransmit interval, T1.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE response retransmit interval, T1.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is how long a server transaction awaits the ACK, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is how long a confirmed server transaction absorbs ACK
// retransmits over an unreliable transport, T4.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is how long a completed non-INVITE server transaction absorbs
// request retransmits over an unreliable transport, 64*T1.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is how long a completed non-INVITE client transaction absorbs
// response retransmits over an unreliable transport, T4.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// IsZero reports whether every base keeps its default.
func (c TimingConfig) IsZero() bool { return c == defTimingCfg }

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

// MarshalJSON implements [json.Marshaler].
func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      c.t1,
		T2:      c.t2,
		T4:      c.t4,
		TimeD:   c.timeD,
		Time100: c.time100,
	}))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{d.T1, d.T2, d.T4, d.TimeD, d.Time100}
	return nil
}
