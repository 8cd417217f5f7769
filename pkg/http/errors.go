package http

import (
	"errors"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
)

func MakeAPINotFound(path string) *gitopsderr.Error {
	return &gitopsderr.Error{
		Type: gitopsderr.Missing,
		Help: `The API endpoint requested is not supported by this server.

This indicates that your client is either out of date, or faulty. If
you still have problems after upgrading it, please file an issue,
mentioning what you were attempting to do, and include this path:

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}
