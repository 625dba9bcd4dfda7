package devices

import (
	"fmt"
	"sync"
	"time"
)

const defaultActivityLogSize = 50

// Direction of a logged message.
const (
	Outbound = ">"
	Inbound  = "<"
)

// ActivityLog keeps the most recent protocol messages of one device.
// Heartbeats only refresh the keep-alive timestamp so they never push
// useful lines out.
type ActivityLog struct {
	mu            sync.Mutex
	lines         []string
	next          int
	full          bool
	lastKeepAlive time.Time
	now           func() time.Time
}

func NewActivityLog(size int) *ActivityLog {
	if size <= 0 {
		size = defaultActivityLogSize
	}
	return &ActivityLog{
		lines: make([]string, size),
		now:   time.Now,
	}
}

// Record appends a line for a message of type msgType.
func (a *ActivityLog) Record(direction, msgType, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	line := fmt.Sprintf("%s %s %s", a.now().Format("15:04:05"), direction, msgType)
	if detail != "" {
		line += " " + detail
	}

	a.lines[a.next] = line
	a.next = (a.next + 1) % len(a.lines)
	if a.next == 0 {
		a.full = true
	}
}

// KeepAlive marks a PING or PONG exchange.
func (a *ActivityLog) KeepAlive() {
	a.mu.Lock()
	a.lastKeepAlive = a.now()
	a.mu.Unlock()
}

// LastKeepAlive returns the time of the last heartbeat, zero if none.
func (a *ActivityLog) LastKeepAlive() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastKeepAlive
}

// Lines returns the logged lines, oldest first.
func (a *ActivityLog) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]string, a.next)
		copy(out, a.lines[:a.next])
		return out
	}

	out := make([]string, 0, len(a.lines))
	out = append(out, a.lines[a.next:]...)
	out = append(out, a.lines[:a.next]...)
	return out
}
