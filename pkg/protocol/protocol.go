// Package protocol defines the JSON-RPC 2.0 notifications exchanged between
// agents and the balancer over the agent socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oursky/inference-balancer/pkg/fleet"
)

const Version = "2.0"

const (
	MethodRegisterAgent     = "register_agent"
	MethodUpdateAgentStatus = "update_agent_status"
	MethodSetState          = "set_state"
)

var ErrMalformed = errors.New("malformed message")

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Message interface {
	Method() string
}

type RegisterAgentParams struct {
	// AgentID lets a reconnecting agent keep its identity.
	AgentID                      *string                            `json:"agent_id,omitempty"`
	Name                         *string                            `json:"name"`
	SlotAggregatedStatusSnapshot fleet.SlotAggregatedStatusSnapshot `json:"slot_aggregated_status_snapshot"`
}

func (RegisterAgentParams) Method() string { return MethodRegisterAgent }

type UpdateAgentStatusParams struct {
	SlotAggregatedStatusSnapshot fleet.SlotAggregatedStatusSnapshot `json:"slot_aggregated_status_snapshot"`
}

func (UpdateAgentStatusParams) Method() string { return MethodUpdateAgentStatus }

type SetStateParams struct {
	DesiredState fleet.DesiredState `json:"desired_state"`
}

func (SetStateParams) Method() string { return MethodSetState }

func Encode(msg Message) ([]byte, error) {
	params, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		JSONRPC: Version,
		Method:  msg.Method(),
		Params:  params,
	})
}

func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformed, env.JSONRPC)
	}
	if len(env.Params) == 0 || bytes.Equal(env.Params, []byte("null")) {
		return nil, fmt.Errorf("%w: %s: missing params", ErrMalformed, env.Method)
	}

	switch env.Method {
	case MethodRegisterAgent:
		var p RegisterAgentParams
		if err := decodeParams(env, &p); err != nil {
			return nil, err
		}
		if err := p.SlotAggregatedStatusSnapshot.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Method, err)
		}
		return p, nil

	case MethodUpdateAgentStatus:
		var p UpdateAgentStatusParams
		if err := decodeParams(env, &p); err != nil {
			return nil, err
		}
		if err := p.SlotAggregatedStatusSnapshot.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Method, err)
		}
		return p, nil

	case MethodSetState:
		var p SetStateParams
		if err := decodeParams(env, &p); err != nil {
			return nil, err
		}
		if !p.DesiredState.IsValid() {
			return nil, fmt.Errorf("%w: %s: missing desired_state", ErrMalformed, env.Method)
		}
		return p, nil
	}

	return nil, fmt.Errorf("%w: unknown method %q", ErrMalformed, env.Method)
}

func decodeParams(env envelope, v any) error {
	if err := json.Unmarshal(env.Params, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Method, err)
	}
	return nil
}
