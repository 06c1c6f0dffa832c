package generator

import (
	"errors"
	"fmt"
)

// Pipeline steps, as reported in ItemError.
const (
	StepDiscover = "discover"
	StepExpand   = "expand"
	StepIdentity = "identity"
	StepGenerate = "generate"
	StepPersist  = "persist"
)

// ErrGenerationContract is returned when the model's reply does not have the
// expected shape.
var ErrGenerationContract = errors.New("generation output does not match the expected shape")

// ItemError is the failure of one requested type in a batch.
type ItemError struct {
	Name string
	Step string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Step, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

type stepErr struct {
	step string
	err  error
}

func (e *stepErr) Error() string { return e.err.Error() }
func (e *stepErr) Unwrap() error { return e.err }

func stepError(step string, err error) error {
	return &stepErr{step: step, err: err}
}

// stepOf returns the step recorded on err, or def.
func stepOf(err error, def string) string {
	var se *stepErr
	if errors.As(err, &se) {
		return se.step
	}
	return def
}
