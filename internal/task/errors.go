package task

import (
	"errors"

	"github.com/therealutkarshpriyadarshi/suberase/internal/credits"
	"github.com/therealutkarshpriyadarshi/suberase/internal/database"
)

var (
	ErrUnauthorized        = credits.ErrUnauthorized
	ErrInsufficientCredits = credits.ErrInsufficientCredits
	ErrNotFound            = database.ErrNotFound
	ErrValidation          = errors.New("invalid request")
	ErrUpstream            = errors.New("upstream service error")
	ErrBusy                = errors.New("another submission is in progress")
)
