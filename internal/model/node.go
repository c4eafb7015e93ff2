package model

import (
	"encoding/json"
	"time"
)

// Node status constants.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// Node is a worker known to the controller.
type Node struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Hostname     string          `json:"hostname,omitempty"`
	Status       string          `json:"status"`
	Inventory    json.RawMessage `json:"inventory,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastSeen     time.Time       `json:"last_seen"`
}

// Inventory is the hardware and software report a node sends on registration.
type Inventory struct {
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	Arch         string            `json:"arch"`
	CPUs         int               `json:"cpus"`
	MemoryMB     int64             `json:"memory_mb,omitempty"`
	GPUs         []string          `json:"gpus,omitempty"`
	AgentVersion string            `json:"agent_version,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}
