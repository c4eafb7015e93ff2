package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// nodeView is a persisted node merged with its live connection, if any.
type nodeView struct {
	*model.Node
	Connected  bool                    `json:"connected"`
	Connection *gateway.ConnectionInfo `json:"connection,omitempty"`
}

type listNodesResponse struct {
	Nodes []nodeView `json:"nodes"`
}

type broadcastResponse struct {
	Sent int `json:"sent"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	live := make(map[string]gateway.ConnectionInfo)
	for _, info := range s.gateway.Registry().List() {
		live[info.NodeID] = info
	}

	views := make([]nodeView, 0, len(nodes)+len(live))
	for _, n := range nodes {
		v := nodeView{Node: n}
		if info, ok := live[n.ID]; ok {
			v.Connected = true
			v.Connection = &info
			delete(live, n.ID)
		}
		views = append(views, v)
	}

	// Connected but not yet registered.
	for _, info := range live {
		v := nodeView{
			Node: &model.Node{
				ID:       info.NodeID,
				TenantID: info.TenantID,
				Status:   model.NodeOnline,
				LastSeen: info.LastHeartbeat,
			},
			Connected:  true,
			Connection: &info,
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	s.writeJSON(w, http.StatusOK, listNodesResponse{Nodes: views})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.badRequest(w, r, "failed to read body")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		s.badRequest(w, r, "body must be a JSON document")
		return
	}

	sent := s.gateway.BroadcastToAllNodes(r.Context(), json.RawMessage(body))
	s.writeJSON(w, http.StatusAccepted, broadcastResponse{Sent: sent})
}
