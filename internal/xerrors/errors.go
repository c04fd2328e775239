// Package xerrors implements the error taxonomy used across apwifi: each
// kind carries a short tag suitable for CLI display alongside the wrapped
// cause, following the teacher's util.HumanizedError pattern but split into
// the distinct kinds the spec calls for instead of one generic type.
package xerrors

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// Tag identifies one of the error kinds from spec.md §7.
type Tag string

const (
	Config         Tag = "ConfigError"
	Resource       Tag = "ResourceError"
	ExternalTool   Tag = "ExternalToolError"
	Association    Tag = "AssociationError"
	Propagation    Tag = "PropagationInconsistency"
	Cleanup        Tag = "CleanupError"
)

// Error is a tagged, wrapped error with a human-readable line for CLI
// display and a UUID so it can be correlated with log output.
type Error struct {
	tag     Tag
	cause   error
	human   string
	id      string
}

func new_(tag Tag, human string, cause error) *Error {
	id, _ := uuid.NewV4()

	return &Error{
		tag:   tag,
		cause: cause,
		human: human,
		id:    id.String(),
	}
}

func ConfigError(human string, cause error) *Error       { return new_(Config, human, cause) }
func ResourceError(human string, cause error) *Error     { return new_(Resource, human, cause) }
func ExternalToolError(human string, cause error) *Error { return new_(ExternalTool, human, cause) }
func AssociationError(human string, cause error) *Error  { return new_(Association, human, cause) }
func PropagationError(human string, cause error) *Error  { return new_(Propagation, human, cause) }
func CleanupError(human string, cause error) *Error      { return new_(Cleanup, human, cause) }

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.tag, e.human)
	}

	return fmt.Sprintf("[%s] %s: %v", e.tag, e.human, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Tag returns the short taxonomy tag for CLI display.
func (e *Error) Tag() Tag { return e.tag }

// ID returns the correlation UUID for this error instance.
func (e *Error) ID() string { return e.id }

// Fatal reports whether an error of this tag should abort `build` per the
// propagation policy in spec.md §7 (ConfigError and ResourceError are fatal
// to build; the rest are absorbed and logged by the runtime loops that
// produce them).
func (e *Error) Fatal() bool {
	return e.tag == Config || e.tag == Resource
}
