package engine

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrPrecondition marks a request that cannot run. No network call has
	// been made when it is returned.
	ErrPrecondition = errors.ConstError("precondition failed")

	// ErrTransport marks a failed call to a content server.
	ErrTransport = errors.ConstError("transport failure")

	// ErrIncompleteMapping is returned when the datasource phase produced
	// fewer mapping entries than datasources were requested.
	ErrIncompleteMapping = errors.ConstError("incomplete datasource mapping")
)

// Phase names the part of a migration an error happened in.
type Phase string

const (
	PhaseValidate    Phase = "validate"
	PhaseConnect     Phase = "connect"
	PhaseDatasources Phase = "datasources"
	PhaseWorkbook    Phase = "workbook"
)

// StageError describes where a migration stopped. Its message is the
// terminal progress message of the task.
type StageError struct {
	Phase Phase
	Index int
	Total int
	Name  string
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	switch e.Phase {
	case PhaseDatasources:
		name := ""
		if e.Name != "" {
			name = fmt.Sprintf(" (%s)", e.Name)
		}
		return fmt.Sprintf("datasource %d/%d%s failed while %s: %v", e.Index, e.Total, name, e.Step, e.Err)
	case PhaseWorkbook:
		return fmt.Sprintf("workbook migration failed while %s: %v", e.Step, e.Err)
	case PhaseConnect:
		return fmt.Sprintf("migration failed while %s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("migration rejected: %v", e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

// transportError tags err as a transport failure unless it already carries a
// more specific kind.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.NotFound) || errors.Is(err, errors.NotValid) || errors.Is(err, ErrTransport) {
		return err
	}
	return errors.WithType(err, ErrTransport)
}

func preconditionError(format string, args ...any) error {
	return &StageError{
		Phase: PhaseValidate,
		Step:  "validating request",
		Err:   errors.WithType(fmt.Errorf(format, args...), ErrPrecondition),
	}
}
