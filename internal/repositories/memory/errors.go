package memory

import "fmt"

// Error implements repositories.RepositoryError for the in-memory store.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.op, e.msg)
}

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, what, id string) error {
	return &Error{op: op, msg: fmt.Sprintf("%s %s not found", what, id), notFound: true}
}

func conflict(op, msg string) error {
	return &Error{op: op, msg: msg, conflict: true}
}
