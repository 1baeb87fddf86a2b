package models

import "errors"

var (
	ErrRunInProgress   = errors.New("a sync run is already in progress for this table")
	ErrRunNotFound     = errors.New("sync run not found")
	ErrTableNotFound   = errors.New("target table not found")
	ErrApplyInProgress = errors.New("pending fields are already being applied for this table")
	ErrInvalidField    = errors.New("invalid field definition")
)
