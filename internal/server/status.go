package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dreamware/chatring/internal/cluster"
)

// Handler returns the status mux: /health, /status and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// Status reports this peer's view of the ring.
func (s *Server) Status() cluster.RingStatus {
	st := s.node.Status()
	peers := make([]cluster.PeerInfo, 0, s.topo.Len())
	for i, addr := range s.topo.Addrs() {
		peers = append(peers, cluster.PeerInfo{Index: i, Addr: addr})
	}
	s.mu.Lock()
	links := len(s.links)
	s.mu.Unlock()
	return cluster.RingStatus{
		Self:       cluster.PeerInfo{Index: s.self, Addr: s.topo.Addr(s.self)},
		Primary:    st.Primary,
		IsPrimary:  st.IsPrimary,
		InElection: st.InElection,
		State:      st.State.String(),
		Peers:      peers,
		Directory:  s.dir.Stats(),
		FrontEnds:  links,
		Time:       time.Now().UTC(),
	}
}
