package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oursky/inference-balancer/pkg/fleet"
	"github.com/oursky/inference-balancer/pkg/session"
	"github.com/oursky/inference-balancer/pkg/utils/httputil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Pool interface {
	session.Pool
	fleet.SnapshotProducer
	Get(id string) (fleet.AgentSnapshot, error)
	SetDesiredState(ctx context.Context, id string, state fleet.DesiredState) error
}

type Server struct {
	logger   *zap.Logger
	enabled  bool
	server   *http.Server
	pool     Pool
	session  *session.Config
	upgrader websocket.Upgrader
	sessions *sync.WaitGroup
}

func NewServer(logger *zap.Logger, config *Config, sessionConfig *session.Config, pool Pool, gatherer prometheus.Gatherer) *Server {
	if config.Disabled {
		return &Server{enabled: false}
	}

	logger = logger.Named("management")

	r := mux.NewRouter()
	server := &Server{
		logger:  logger,
		enabled: true,
		server: &http.Server{
			Addr:         config.GetAddr(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      r,
			ErrorLog:     zap.NewStdLog(logger),
		},
		pool:    pool,
		session: sessionConfig,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
		sessions: new(sync.WaitGroup),
	}

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger.Named("prom")),
	}))

	apiR := r.PathPrefix("/api/v1").Subrouter()
	apiR.Handle("/agent_socket", httputil.KeyAuth(config.AgentAuthKeys)(http.HandlerFunc(server.agentSocket))).Methods("GET")

	agentsR := apiR.PathPrefix("/agents").Subrouter()
	agentsR.Use(httputil.KeyAuth(config.AuthKeys))
	agentsR.HandleFunc("", server.apiAgentsList).Methods("GET")
	agentsR.HandleFunc("/{id}", server.apiAgentGet).Methods("GET")
	agentsR.HandleFunc("/{id}/desired_state", server.apiAgentDesiredStatePut).Methods("PUT")

	return server
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context, g *errgroup.Group) error {
	if !s.enabled {
		return nil
	}

	// agent sessions are bound to the shutdown signal through the request
	// context
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	g.Go(func() error {
		go func() {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.server.Shutdown(shutdownCtx)
		}()

		s.logger.Info("starting server", zap.String("addr", s.server.Addr))
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management: failed to run server: %w", err)
		}

		// hijacked connections are not tracked by Shutdown
		s.sessions.Wait()
		return nil
	})
	return nil
}
