package reputation

import "github.com/pkg/errors"

var (
	ErrRoleLocked = errors.New("role locked for the current period")
	ErrBarredPair = errors.New("participants barred from interacting")
)
