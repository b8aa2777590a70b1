package dispute

import "github.com/pkg/errors"

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrWindowClosed    = errors.New("window closed")
	ErrAlreadyResolved = errors.New("dispute already resolved")
)
