package featuresmap

import "fmt"

// UnknownIDError reports a measurement referencing a pose or landmark id that
// does not exist in the map. The caller's entry is dropped; the map's state
// is left unchanged.
type UnknownIDError struct {
	ID uint32
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("featuresmap: unknown id %d", e.ID)
}

// ConflictingIDError reports an attempt to add a vertex id that already
// exists with different data - a programmer error, never silently ignored.
type ConflictingIDError struct {
	ID uint32
}

func (e *ConflictingIDError) Error() string {
	return fmt.Sprintf("featuresmap: conflicting id %d", e.ID)
}

// ConfigurationError reports a malformed construction-time configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "featuresmap: invalid configuration: " + e.Reason
}
