// Package pipeline implements the real-time compositing pipeline: the
// conductor main loop, the feeder and music workers, the external encoder
// lifecycle, and the watchdog/recovery state machine.
package pipeline

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/starcast/internal/observability"
)

// Mode is the pipeline lifecycle mode.
type Mode int32

const (
	ModePrebuffer Mode = iota
	ModeLive
	ModeOffAir
	ModeRecovering
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePrebuffer:
		return "prebuffer"
	case ModeLive:
		return "live"
	case ModeOffAir:
		return "offair"
	case ModeRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// State is the shared pipeline state. Mode, sequence, and PTS are mutated
// only by the conductor; the heartbeat is written by the feeder and read by
// the conductor's watchdog, so it is atomic. All fields are safe to read
// from the status server.
type State struct {
	mode     atomic.Int32
	seq      atomic.Int64
	ptsBits  atomic.Uint64 // float64 bits of the cumulative PTS offset
	lastFeed atomic.Int64  // unix nanos of the last successful feed

	mu        sync.Mutex
	sessionID string
}

// NewState creates pipeline state with the heartbeat primed to now.
func NewState() *State {
	s := &State{}
	s.Touch()
	return s
}

// Mode returns the current pipeline mode.
func (s *State) Mode() Mode {
	return Mode(s.mode.Load())
}

// SetMode sets the pipeline mode and updates the mode metric.
func (s *State) SetMode(m Mode) {
	s.mode.Store(int32(m))
	observability.SetMode(m.String())
}

// NextSeq returns the next fragment sequence number. The counter is never
// reset, so staging file names stay unique across recoveries.
func (s *State) NextSeq() int64 {
	return s.seq.Add(1)
}

// Seq returns the last issued sequence number.
func (s *State) Seq() int64 {
	return s.seq.Load()
}

// PTS returns the cumulative PTS offset in seconds.
func (s *State) PTS() float64 {
	return math.Float64frombits(s.ptsBits.Load())
}

// AddPTS advances the cumulative PTS offset by the given seconds.
func (s *State) AddPTS(seconds float64) {
	s.ptsBits.Store(math.Float64bits(s.PTS() + seconds))
}

// ResetPTS zeroes the cumulative PTS offset. Called on every encoder
// restart; the fragment sequence is deliberately left alone.
func (s *State) ResetPTS() {
	s.ptsBits.Store(0)
}

// Touch records a successful feed now.
func (s *State) Touch() {
	s.lastFeed.Store(time.Now().UnixNano())
}

// HeartbeatAge returns the time since the last successful feed.
func (s *State) HeartbeatAge() time.Duration {
	return time.Since(time.Unix(0, s.lastFeed.Load()))
}

// SetSessionID records the broadcast session id for the current encoder
// epoch.
func (s *State) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SessionID returns the broadcast session id.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Snapshot is a point-in-time view of the pipeline state for the status
// endpoint.
type Snapshot struct {
	Mode          string  `json:"mode"`
	SessionID     string  `json:"session_id,omitempty"`
	Sequence      int64   `json:"sequence"`
	CumulativePTS float64 `json:"cumulative_pts"`
	HeartbeatAge  float64 `json:"heartbeat_age_seconds"`
}

// Snapshot returns a point-in-time view of the state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Mode:          s.Mode().String(),
		SessionID:     s.SessionID(),
		Sequence:      s.Seq(),
		CumulativePTS: s.PTS(),
		HeartbeatAge:  s.HeartbeatAge().Seconds(),
	}
}
