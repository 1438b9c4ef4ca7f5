package collector

import (
	"encoding/json"
	"time"
)

// Snapshot is a point-in-time view of a Proxmox VE cluster.
type Snapshot struct {
	ID          string          `json:"id"`
	CollectedAt time.Time       `json:"collected_at"`
	Resources   json.RawMessage `json:"cluster_resources,omitempty"`
	Status      json.RawMessage `json:"cluster_status,omitempty"`
	Storage     json.RawMessage `json:"storage,omitempty"`
	Nodes       []Node          `json:"nodes"`
	Errors      []EndpointError `json:"errors,omitempty"`
}

// Node is one entry of GET /nodes plus the detail fetched for online nodes.
type Node struct {
	Name     string          `json:"node"`
	Status   string          `json:"status"`
	CPU      float64         `json:"cpu"`
	MaxCPU   int             `json:"maxcpu"`
	Mem      int64           `json:"mem"`
	MaxMem   int64           `json:"maxmem"`
	Disk     int64           `json:"disk"`
	MaxDisk  int64           `json:"maxdisk"`
	Uptime   int64           `json:"uptime"`
	Detail   json.RawMessage `json:"detail,omitempty"`
	Storages []Storage       `json:"storages,omitempty"`
}

// Online reports whether the node answered the cluster as online.
func (n Node) Online() bool { return n.Status == "online" }

// FreeMem is the unused memory in bytes.
func (n Node) FreeMem() int64 {
	if n.MaxMem <= n.Mem {
		return 0
	}
	return n.MaxMem - n.Mem
}

// Storage is one entry of GET /nodes/{node}/storage.
type Storage struct {
	Name    string          `json:"storage"`
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Active  int             `json:"active"`
	Enabled int             `json:"enabled"`
	Shared  int             `json:"shared"`
	Used    int64           `json:"used"`
	Total   int64           `json:"total"`
	Avail   int64           `json:"avail"`
	Status  json.RawMessage `json:"status_detail,omitempty"`
	Items   json.RawMessage `json:"items,omitempty"`
}

// IsActive reports whether the storage is currently usable on its node.
func (s Storage) IsActive() bool { return s.Active == 1 }

// EndpointError records an endpoint that answered with a non-200 status.
type EndpointError struct {
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// OnlineNodes returns the nodes that reported status online.
func (s *Snapshot) OnlineNodes() []Node {
	var out []Node
	for _, n := range s.Nodes {
		if n.Online() {
			out = append(out, n)
		}
	}
	return out
}

// BestNode returns the online node with the most free memory. Ties go to
// the node listed first. ok is false when no node is online.
func (s *Snapshot) BestNode() (Node, bool) {
	var best Node
	found := false
	for _, n := range s.Nodes {
		if !n.Online() {
			continue
		}
		if !found || n.FreeMem() > best.FreeMem() {
			best = n
			found = true
		}
	}
	return best, found
}

// JSON encodes the snapshot with indentation for prompts and files.
func (s *Snapshot) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
