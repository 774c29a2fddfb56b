package runner

import (
	"errors"
	"fmt"
)

// ErrUnpartitioned is returned when execution is attempted against a
// target that does not carry a sandbox partition tag. This is fatal
// and unconditional; it is never downgraded to a warning.
var ErrUnpartitioned = errors.New("refusing to execute against an unpartitioned target")

// ErrRealModeUnconfirmed is returned when a document declares mode
// "real" and the caller has not passed the explicit confirmation flag.
// Checked once, before step 0.
var ErrRealModeUnconfirmed = errors.New("document declares real mode but caller did not confirm")

// StepRangeError reports a resume index outside the document.
type StepRangeError struct {
	FromStep int
	Steps    int
}

func (e *StepRangeError) Error() string {
	return fmt.Sprintf("from_step_index %d out of range for %d-step document", e.FromStep, e.Steps)
}

// MissingSnapshotError reports that the snapshot needed to seed a
// resume was not captured on the original run.
type MissingSnapshotError struct {
	RunID     string
	StepIndex int
}

func (e *MissingSnapshotError) Error() string {
	return fmt.Sprintf("no snapshot at step %d for run %s; cannot resume", e.StepIndex, e.RunID)
}
