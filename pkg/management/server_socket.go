package management

import (
	"net/http"

	"github.com/oursky/inference-balancer/pkg/session"
	"go.uber.org/zap"
)

func (s *Server) agentSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// the upgrader has already replied to the client
		s.logger.Warn("failed to upgrade agent connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	logger := s.logger.With(zap.String("remote", r.RemoteAddr))
	sess := session.New(logger, s.session, conn, s.pool)
	// errors are logged by the session itself
	_ = sess.Run(r.Context())
}
