package resolution

import "errors"

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrCommentNotFound  = errors.New("comment not found")
	ErrUnknownTemplate  = errors.New("unknown resolution template")
	ErrInvalidStatus    = errors.New("invalid comment status")
	ErrInvalidThreshold = errors.New("threshold must be a positive number of days")
)
