package observability

import (
	"sync"
	"time"
)

var startTime = time.Now()

type SystemStatus struct {
	mu             sync.RWMutex
	ActiveSessions int
	LastAction     string
	LastHeartbeat  time.Time
}

// Snapshot is a copy of the system status safe to serialise.
type Snapshot struct {
	ActiveSessions int       `json:"active_sessions"`
	LastAction     string    `json:"last_action"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Uptime         string    `json:"uptime"`
	Health         string    `json:"health"`
}

var globalStatus = &SystemStatus{
	LastHeartbeat: time.Now(),
}

// SetSessions records how many wizard sessions are live.
func SetSessions(n int) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.ActiveSessions = n
}

// SetLastAction records the most recent user-visible action.
func SetLastAction(action string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastAction = action
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()

	health := "healthy"
	delta := time.Since(globalStatus.LastHeartbeat)
	switch {
	case delta >= 90*time.Second:
		health = "offline"
	case delta >= 40*time.Second:
		health = "lagging"
	}

	return Snapshot{
		ActiveSessions: globalStatus.ActiveSessions,
		LastAction:     globalStatus.LastAction,
		LastHeartbeat:  globalStatus.LastHeartbeat,
		Uptime:         time.Since(startTime).Round(time.Second).String(),
		Health:         health,
	}
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
