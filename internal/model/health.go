package model

// HealthStatus represents the health state of a node
type HealthStatus struct {
	NodeID    string      `json:"node_id"`
	Status    NodeStatus  `json:"status"`
	Timestamp int64       `json:"timestamp"`
	Backlog   ViewBacklog `json:"backlog"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// ViewBacklog summarizes how far behind view building is on a node
type ViewBacklog struct {
	QueuedFiles      int  `json:"queued_files"`
	PendingRelocate  int  `json:"pending_relocate"`
	AvailablePermits int  `json:"available_permits"`
	Throttled        bool `json:"throttled"`
}
