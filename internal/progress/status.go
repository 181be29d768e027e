// Package progress reports the state of a build: status values, throttled
// delivery, the ETA line and warnings about slow layers.
package progress

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State of a build.
type State int

const (
	Idle State = iota
	PreparingLayers
	ComputingMatrix
	GeneratingTiles
	Completed
	Cancelling
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	PreparingLayers: "preparing layers",
	ComputingMatrix: "computing tile matrix",
	GeneratingTiles: "generating tiles",
	Completed:       "completed",
	Cancelling:      "cancelling",
	Cancelled:       "cancelled",
	Failed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal no further transition leaves the state.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// MarshalText the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// Status one progress report.
type Status struct {
	State State `json:"state"`
	// Message human readable progress text.
	Message string `json:"message"`
	// Progress percent, 0..100.
	Progress  float64 `json:"progress"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Warning   string  `json:"warning,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s Status) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Func receives status reports.
type Func func(Status)
