package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oursky/inference-balancer/pkg/fleet"
	"github.com/oursky/inference-balancer/pkg/protocol"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrProtocolViolation = errors.New("protocol violation")

var errConnectionClosed = errors.New("connection closed")

// Conn is the subset of *websocket.Conn used by a session.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Pool interface {
	Register(ctx context.Context, id string, name string, status fleet.SlotAggregatedStatusSnapshot, sink fleet.CommandSink) (fleet.DesiredState, error)
	UpdateStatus(ctx context.Context, id string, status fleet.SlotAggregatedStatusSnapshot) error
	Deregister(id string, sink fleet.CommandSink) bool
}

// Session serves the persistent connection of one agent.
type Session struct {
	logger  *zap.Logger
	config  *Config
	conn    Conn
	pool    Pool
	limiter *rate.Limiter
	now     func() time.Time

	lock    *sync.RWMutex
	state   State
	agentID string
	// set once commands can no longer be sent
	closing bool

	outbox chan fleet.DesiredState
}

func New(logger *zap.Logger, config *Config, conn Conn, pool Pool) *Session {
	return &Session{
		logger:  logger.Named("session"),
		config:  config,
		conn:    conn,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(config.GetUpdateRate()), config.GetUpdateBurst()),
		now:     time.Now,
		lock:    new(sync.RWMutex),
		state:   StateConnecting,
		outbox:  make(chan fleet.DesiredState, config.GetOutboxSize()),
	}
}

func (s *Session) State() State {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.state
}

func (s *Session) AgentID() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.agentID
}

func (s *Session) setState(state State) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StateClosed || s.state == state {
		return
	}
	s.logger.Debug("session state transition",
		zap.String("agentID", s.agentID),
		zap.String("from", string(s.state)),
		zap.String("to", string(state)),
	)
	s.state = state
}

// Deliver queues a set_state command for the agent. It never blocks; the
// command is dropped if the session is closed or its outbox is full.
func (s *Session) Deliver(state fleet.DesiredState) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closing {
		return false
	}
	select {
	case s.outbox <- state:
		return true
	default:
		return false
	}
}

// Run serves the connection until it is closed by the agent, a protocol
// violation occurs, or ctx is cancelled. Protocol violations are returned
// as errors wrapping ErrProtocolViolation; orderly closes return nil.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Debug("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readPump(gctx)
	})
	g.Go(func() error {
		return s.writePump(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hangup(context.Cause(gctx))
		return nil
	})

	err := g.Wait()
	s.close()

	agentID := s.AgentID()
	switch {
	case errors.Is(err, ErrProtocolViolation):
		s.logger.Warn("closing session on protocol violation", zap.String("agentID", agentID), zap.Error(err))
		return err
	case err == nil, errors.Is(err, errConnectionClosed), ctx.Err() != nil:
		s.logger.Info("session closed", zap.String("agentID", agentID))
		return nil
	default:
		s.logger.Error("session failed", zap.String("agentID", agentID), zap.Error(err))
		return err
	}
}

func (s *Session) hangup(cause error) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(cause, ErrProtocolViolation):
		code, text = websocket.ClosePolicyViolation, cause.Error()
	case errors.Is(cause, errConnectionClosed):
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		code = websocket.CloseGoingAway
	case cause != nil:
		code = websocket.CloseInternalServerErr
	}
	// close reasons are limited to 123 bytes by the protocol
	if len(text) > 123 {
		text = text[:123]
	}

	deadline := s.now().Add(s.config.GetWriteTimeout())
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = s.conn.Close()
}

func (s *Session) close() {
	s.lock.Lock()
	agentID := s.agentID
	registered := s.state != StateConnecting
	s.state = StateClosed
	s.closing = true
	s.lock.Unlock()

	if registered && agentID != "" {
		s.pool.Deregister(agentID, s)
	}
}

func (s *Session) readPump(ctx context.Context) error {
	readTimeout := s.config.GetReadTimeout()
	s.conn.SetReadLimit(s.config.GetMaxMessageSize())
	_ = s.conn.SetReadDeadline(s.now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.now().Add(readTimeout))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errConnectionClosed, err)
		}
		_ = s.conn.SetReadDeadline(s.now().Add(readTimeout))

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		if messageType != websocket.TextMessage {
			return fmt.Errorf("%w: unexpected binary message", ErrProtocolViolation)
		}
		if err := s.handle(ctx, data); err != nil {
			return err
		}
	}
}

func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(s.config.GetPingInterval())
	defer ticker.Stop()
	defer s.stopDelivery()

	writeTimeout := s.config.GetWriteTimeout()
	for {
		select {
		case <-ctx.Done():
			return nil

		case state := <-s.outbox:
			data, err := protocol.Encode(protocol.SetStateParams{DesiredState: state})
			if err != nil {
				return err
			}
			_ = s.conn.SetWriteDeadline(s.now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("%w: %v", errConnectionClosed, err)
			}
			s.logger.Info("sent set_state",
				zap.String("agentID", s.AgentID()),
				zap.String("desiredState", string(state)),
			)
			s.setState(stateFor(state))

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(s.now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: %v", errConnectionClosed, err)
			}
		}
	}
}

// stopDelivery rejects further commands and reports those left unsent.
func (s *Session) stopDelivery() {
	s.lock.Lock()
	s.closing = true
	s.lock.Unlock()

	for {
		select {
		case state := <-s.outbox:
			s.logger.Warn("set_state command dropped",
				zap.String("agentID", s.AgentID()),
				zap.String("desiredState", string(state)),
			)
		default:
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch msg := msg.(type) {
	case protocol.RegisterAgentParams:
		return s.register(ctx, msg)
	case protocol.UpdateAgentStatusParams:
		return s.updateStatus(ctx, msg)
	default:
		return fmt.Errorf("%w: %s is not accepted from agents", ErrProtocolViolation, msg.Method())
	}
}

func (s *Session) register(ctx context.Context, msg protocol.RegisterAgentParams) error {
	if state := s.State(); state != StateConnecting {
		return fmt.Errorf("%w: register_agent received in state %s", ErrProtocolViolation, state)
	}

	agentID := lo.FromPtr(msg.AgentID)
	if agentID == "" {
		agentID = uuid.NewString()
	}
	name := lo.FromPtr(msg.Name)
	status := s.stamp(msg.SlotAggregatedStatusSnapshot)

	s.lock.Lock()
	s.agentID = agentID
	s.lock.Unlock()
	s.setState(StateRegistered)

	desired, err := s.pool.Register(ctx, agentID, name, status, s)
	if err != nil {
		return fmt.Errorf("cannot register agent: %w", err)
	}
	s.setState(stateFor(desired))

	// a restored non-default desired state must reach the agent
	if desired != fleet.DesiredStateActive && !s.Deliver(desired) {
		s.logger.Warn("set_state command dropped", zap.String("agentID", agentID))
	}
	return nil
}

func (s *Session) updateStatus(ctx context.Context, msg protocol.UpdateAgentStatusParams) error {
	if state := s.State(); !state.isRegistered() {
		return fmt.Errorf("%w: update_agent_status received in state %s", ErrProtocolViolation, state)
	}

	agentID := s.AgentID()
	err := s.pool.UpdateStatus(ctx, agentID, s.stamp(msg.SlotAggregatedStatusSnapshot))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fleet.ErrNotFound):
		return fmt.Errorf("%w: agent %q is no longer registered", ErrProtocolViolation, agentID)
	case errors.Is(err, fleet.ErrUnavailable):
		return err
	default:
		// reconciliation failures are retried with the next update
		s.logger.Warn("failed to reconcile agent", zap.String("agentID", agentID), zap.Error(err))
		return nil
	}
}

func (s *Session) stamp(status fleet.SlotAggregatedStatusSnapshot) fleet.SlotAggregatedStatusSnapshot {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now()
	}
	return status
}
