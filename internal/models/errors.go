package models

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrRateLimited    = errors.New("rate limited")
	ErrScanInProgress = errors.New("scan already in progress")
)
