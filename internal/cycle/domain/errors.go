package cycle

import (
	"errors"
	"fmt"
)

var (
	// ErrDesignConvergence is matched by design solve failures.
	ErrDesignConvergence = errors.New("cycle: design solve did not converge")
	// ErrOffDesignConvergence is matched by per-row off-design failures.
	ErrOffDesignConvergence = errors.New("cycle: off-design solve did not converge")
	// ErrNotBuilt is returned when the topology has not been built.
	ErrNotBuilt = errors.New("cycle: network not built")
	// ErrDesignNotSaved guards off-design solves before the design state exists.
	ErrDesignNotSaved = errors.New("cycle: design state not saved")
	// ErrDesignAlreadySaved guards a second design save within one run.
	ErrDesignAlreadySaved = errors.New("cycle: design state already saved")
	// ErrInvalidDesignPoint is returned for unusable design inputs.
	ErrInvalidDesignPoint = errors.New("cycle: invalid design point")
	// ErrNoValidOperatingPoint is returned when no row yields finite targets.
	ErrNoValidOperatingPoint = errors.New("cycle: no valid operating point")
)

// Mode is the solve mode.
type Mode string

const (
	ModeDesign    Mode = "design"
	ModeOffDesign Mode = "offdesign"
)

// ConvergenceError reports a failed nonlinear solve.
type ConvergenceError struct {
	Mode       Mode
	Iterations int
	Residual   float64
	Reason     string
	Cause      error
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("cycle: %s solve did not converge after %d iterations (residual %.3g): %s",
		e.Mode, e.Iterations, e.Residual, e.Reason)
}

// Is maps the error onto the sentinel of its mode.
func (e *ConvergenceError) Is(target error) bool {
	switch target {
	case ErrDesignConvergence:
		return e.Mode == ModeDesign
	case ErrOffDesignConvergence:
		return e.Mode == ModeOffDesign
	}
	return false
}

func (e *ConvergenceError) Unwrap() error {
	return e.Cause
}
