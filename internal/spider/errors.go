package spider

import "errors"

var (
	// ErrNoSuchTable is returned when a table was never created.
	ErrNoSuchTable = errors.New("no such table")
	// ErrNoSuchColumn is returned when a sort field is not part of the table schema.
	ErrNoSuchColumn = errors.New("no such column")
	// ErrSchemaMismatch is returned when a record does not conform to the table schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrStorage wraps failures from a storage backend.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidArgument flags malformed names, counts, or values.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrContractViolation is returned when a factory does not produce a usable unit.
	ErrContractViolation = errors.New("spider contract violation")
)
