// Package health tracks process health and serves it, the metrics endpoint
// and the operator API over HTTP.
package health

import (
	"sync"
	"time"
)

const (
	StatusStarting = "starting"
	StatusRunning  = "running"
)

// Document is the health payload.
type Document struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	StartedAt         time.Time `json:"started_at"`
	LastCheck         time.Time `json:"last_check"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	ErrorsLastHour    int       `json:"errors_last_hour"`
	MessagesProcessed int64     `json:"messages_processed"`
}

// Monitor accumulates health counters. It is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	version   string
	status    string
	startedAt time.Time
	lastCheck time.Time
	errors    int
	processed int64
	now       func() time.Time
}

func NewMonitor(version string, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	return &Monitor{version: version, status: StatusStarting, startedAt: t, lastCheck: t, now: now}
}

// Heartbeat marks the process as running and refreshes the check time.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusRunning
	m.lastCheck = m.now().UTC()
}

func (m *Monitor) MessageProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
}

func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// ResetErrors starts a new hourly error window.
func (m *Monitor) ResetErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = 0
}

func (m *Monitor) Snapshot() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Document{
		Status:            m.status,
		Version:           m.version,
		StartedAt:         m.startedAt,
		LastCheck:         m.lastCheck,
		UptimeSeconds:     int64(m.now().UTC().Sub(m.startedAt) / time.Second),
		ErrorsLastHour:    m.errors,
		MessagesProcessed: m.processed,
	}
}
