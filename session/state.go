package session

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ruteri/fhevm-session/interfaces"
)

var (
	// ErrEmptyNetworkSet is returned when a network set replacement is empty.
	ErrEmptyNetworkSet = errors.New("network set must not be empty")

	// ErrInvalidState is returned when a reducer produces a state that breaks
	// the session invariants. The state is left unchanged.
	ErrInvalidState = errors.New("invalid session state")
)

// State is the session record.
type State struct {
	NetworkID interfaces.NetworkID
	Instance  interfaces.Instance
	Status    interfaces.Status
	Err       error
}

func (s State) validate(networks []interfaces.NetworkID, simulation map[interfaces.NetworkID]string) error {
	switch s.Status {
	case interfaces.StatusIdle, interfaces.StatusLoading:
	case interfaces.StatusReady:
		if s.Instance == nil {
			return fmt.Errorf("%w: ready without an instance", ErrInvalidState)
		}
	case interfaces.StatusError:
		if s.Err == nil {
			return fmt.Errorf("%w: error status without an error", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown status %d", ErrInvalidState, s.Status)
	}

	if !slices.Contains(networks, s.NetworkID) {
		if _, ok := simulation[s.NetworkID]; !ok {
			return fmt.Errorf("%w: network %d is not configured", ErrInvalidState, s.NetworkID)
		}
	}
	return nil
}

// Loading returns s with status loading and no error.
func (s State) Loading(id interfaces.NetworkID) State {
	s.NetworkID = id
	s.Status = interfaces.StatusLoading
	s.Err = nil
	return s
}

// Ready returns s with status ready and the given instance.
func (s State) Ready(inst interfaces.Instance) State {
	s.Instance = inst
	s.Status = interfaces.StatusReady
	s.Err = nil
	return s
}

// Failed returns s with status error, no instance and the given error.
func (s State) Failed(err error) State {
	s.Instance = nil
	s.Status = interfaces.StatusError
	s.Err = err
	return s
}
