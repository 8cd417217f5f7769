package errors

import (
	"encoding/json"
	"errors"
)

// Representation of errors in the API. These are divided into a small
// number of categories, essentially distinguished by what the caller
// is allowed to do about the error; i.e., is this error:
//  - a transient problem with an upstream system, so worth trying again?
//  - a conflict that has a well-defined fallback, rather than a retry?
//  - not going to work until the operator takes some other action?
type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present (e.g., because you've not supplied some
	// config yet)
	User = "user"
	// The request failed authentication; never retried, and never
	// allowed any side effect
	Auth = "auth"
	// An upstream system was rate-limiting or briefly broken; retried
	// with backoff, up to a bound
	Transient = "transient"
	// The target moved while we were operating on it (e.g., a branch
	// advanced during an atomic commit); not retried as-is, since
	// there is a fallback strategy instead
	Conflict = "conflict"
	// We ran out of time waiting for an upstream system to reach a
	// terminal state; needs external intervention
	Timeout = "timeout"
)

func IsMissing(err error) bool   { return isType(err, Missing) }
func IsAuth(err error) bool      { return isType(err, Auth) }
func IsTransient(err error) bool { return isType(err, Transient) }
func IsConflict(err error) bool  { return isType(err, Conflict) }
func IsTimeout(err error) bool   { return isType(err, Timeout) }

func isType(err error, t Type) bool {
	if err, ok := err.(*Error); ok && err.Type == t {
		return true
	}
	return false
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: User,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.
`,
	}
}
