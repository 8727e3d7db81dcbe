// Package globalstate holds the process-wide pause flag.
//
// The fleet controller is the single writer; event publishers and other
// side-effect points only read. The flag is a plain boolean rather than a
// handle back into the controller, keeping the dependency one-way.
package globalstate

import "sync/atomic"

// State is the shared flag set consulted by side-effect points.
type State struct {
	globalPause atomic.Bool
}

// New returns a State with the pause flag cleared.
func New() *State {
	return &State{}
}

// SetGlobalPause flips the fleet-wide pause flag. Called by the controller
// whenever it recomputes the derived pause state.
func (s *State) SetGlobalPause(paused bool) {
	s.globalPause.Store(paused)
}

// GloballyPaused reports whether every running bot is currently paused.
func (s *State) GloballyPaused() bool {
	return s.globalPause.Load()
}
