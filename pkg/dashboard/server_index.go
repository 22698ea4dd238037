package dashboard

import (
	"net/http"
	"strings"

	"github.com/oursky/inference-balancer/pkg/fleet"
)

type dataIndex struct {
	Fleet fleet.FleetSnapshot
}

type dataAgent struct {
	Agent fleet.AgentSnapshot
}

func (s *Server) index(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}

	snapshot, err := s.producer.MakeSnapshot()
	if err != nil {
		s.fail(rw, err)
		return
	}
	s.template(rw, "index.html", &dataIndex{Fleet: snapshot})
}

func (s *Server) agent(rw http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/agents/")

	snapshot, err := s.producer.MakeSnapshot()
	if err != nil {
		s.fail(rw, err)
		return
	}
	agent, ok := snapshot.Lookup(id)
	if !ok {
		http.NotFound(rw, r)
		return
	}
	s.template(rw, "agent.html", &dataAgent{Agent: agent})
}

func (s *Server) styles(rw http.ResponseWriter, r *http.Request) {
	s.asset(rw, "styles.css", "text/css; charset=utf-8")
}
