package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNoConnection       = errors.New("account has no connection")
	ErrAccountNotSyncable = errors.New("account is not connected")
	ErrSyncInProgress     = errors.New("sync already in progress for account")
	ErrInvalidCredentials = errors.New("cloudflare credentials are invalid")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidInput       = errors.New("invalid input")
)
