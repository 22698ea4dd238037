package statestore

import "fmt"

// ConfigError reports an invalid state database descriptor.
type ConfigError struct {
	Descriptor string
	Reason     string
	Err        error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid state database %q: %s: %v", e.Descriptor, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid state database %q: %s", e.Descriptor, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StoreError reports a failed read or write of persisted state.
type StoreError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *StoreError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state store %s %q: %v", e.Op, e.AgentID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
