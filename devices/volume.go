package devices

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultVolumeStep is how far one volume up/down step moves the level.
	DefaultVolumeStep = 0.05

	volumeSendInterval = time.Second
	volumeAckTimeout   = 3 * time.Second
	// volumeCallGuard rejects calls closer than 1000 ticks (100ns each) to the
	// previous one.
	volumeCallGuard = 1000 * 100 * time.Nanosecond
	minFlushDelay   = 10 * time.Millisecond
)

// volumeRequest is one SET_VOLUME payload: either a level or a mute flag.
type volumeRequest struct {
	mute  bool
	level float64
	muted bool
}

// volumeGate coalesces SET_VOLUME requests for one device. A burst of calls is
// held for volumeSendInterval after its first call and then sent once with
// the newest value. At most one request is in flight (waiting for the
// RECEIVER_STATUS carrying its request id) and at most one goes out per second.
// Level and mute changes are kept in separate slots so one never cancels the
// other. It is guarded by the owning Device's mutex.
type volumeGate struct {
	limiter  *rate.Limiter
	lastCall time.Time

	levelPending bool
	level        float64
	mutePending  bool
	muted        bool
	// openAt is the earliest time the current burst may be sent.
	openAt time.Time

	inFlight   int
	inFlightAt time.Time
}

func newVolumeGate() *volumeGate {
	return &volumeGate{
		limiter: rate.NewLimiter(rate.Every(volumeSendInterval), 1),
	}
}

// offer records level as the newest request. It returns false when the call
// came too soon after the previous one and was dropped.
func (g *volumeGate) offer(now time.Time, level float64) bool {
	if !g.lastCall.IsZero() && now.Sub(g.lastCall) < volumeCallGuard {
		return false
	}

	g.lastCall = now
	g.open(now)
	g.levelPending = true
	g.level = level
	return true
}

func (g *volumeGate) offerMute(now time.Time, muted bool) {
	g.open(now)
	g.mutePending = true
	g.muted = muted
}

// open starts a new burst window unless one is already pending.
func (g *volumeGate) open(now time.Time) {
	if !g.pending() {
		g.openAt = now.Add(volumeSendInterval)
	}
}

func (g *volumeGate) pending() bool {
	return g.levelPending || g.mutePending
}

// target returns the level the device is heading to: the pending level if
// any, otherwise current.
func (g *volumeGate) target(current float64) float64 {
	if g.levelPending {
		return g.level
	}
	return current
}

func (g *volumeGate) targetMuted(current bool) bool {
	if g.mutePending {
		return g.muted
	}
	return current
}

// take returns the next request when it may be sent now. Mute changes go
// first.
func (g *volumeGate) take(now time.Time) (volumeRequest, bool) {
	if !g.pending() {
		return volumeRequest{}, false
	}

	if now.Before(g.openAt) {
		return volumeRequest{}, false
	}

	if g.inFlight != 0 {
		if now.Sub(g.inFlightAt) < volumeAckTimeout {
			return volumeRequest{}, false
		}
		// The ack never came; stop waiting for it.
		g.inFlight = 0
	}

	if !g.limiter.AllowN(now, 1) {
		return volumeRequest{}, false
	}

	if g.mutePending {
		g.mutePending = false
		return volumeRequest{mute: true, muted: g.muted}, true
	}

	g.levelPending = false
	return volumeRequest{level: g.level}, true
}

func (g *volumeGate) sent(now time.Time, requestID int) {
	g.inFlight = requestID
	g.inFlightAt = now
}

// ack clears the in-flight request if requestID matches it.
func (g *volumeGate) ack(requestID int) bool {
	if g.inFlight == 0 || requestID != g.inFlight {
		return false
	}

	g.inFlight = 0
	return true
}

// wait returns how long until take could succeed for the pending request.
func (g *volumeGate) wait(now time.Time) time.Duration {
	d := g.openAt.Sub(now)

	if g.inFlight != 0 {
		if ad := g.inFlightAt.Add(volumeAckTimeout).Sub(now); ad > d {
			d = ad
		}
	}

	if tokens := g.limiter.TokensAt(now); tokens < 1 {
		if rd := time.Duration((1 - tokens) * float64(volumeSendInterval)); rd > d {
			d = rd
		}
	}

	return max(d, minFlushDelay)
}
