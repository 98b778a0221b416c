package internal

import "sync/atomic"

// Metrics counts client-side chat activity for the status line and logs.
type Metrics struct {
	connectAttempts  atomic.Uint64
	connections      atomic.Uint64
	reconnects       atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	framesDropped    atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConnectAttempt() {
	m.connectAttempts.Add(1)
}

func (m *Metrics) IncConnected() {
	m.connections.Add(1)
}

func (m *Metrics) IncReconnect() {
	m.reconnects.Add(1)
}

func (m *Metrics) IncMessageSent() {
	m.messagesSent.Add(1)
}

func (m *Metrics) IncMessageReceived() {
	m.messagesReceived.Add(1)
}

func (m *Metrics) IncFrameDropped() {
	m.framesDropped.Add(1)
}

// Snapshot returns the counters as a plain struct for rendering.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectAttempts:  m.connectAttempts.Load(),
		Connections:      m.connections.Load(),
		Reconnects:       m.reconnects.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		FramesDropped:    m.framesDropped.Load(),
	}
}

type MetricsSnapshot struct {
	ConnectAttempts  uint64
	Connections      uint64
	Reconnects       uint64
	MessagesSent     uint64
	MessagesReceived uint64
	FramesDropped    uint64
}
