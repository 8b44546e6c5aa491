package store

import (
	"github.com/xtxerr/historian/internal/errors"
)

var (
	ErrNotFound      = errors.ErrNotFound
	ErrPointNotFound = errors.ErrPointNotFound
	ErrClosed        = errors.ErrClosed
)
