// Package campaignerr holds the error taxonomy shared by the campaign packages.
package campaignerr

import "errors"

var (
	ErrNoTargets           = errors.New("no active targets")
	ErrTransportNotReady   = errors.New("transport not ready")
	ErrFetchFailed         = errors.New("video fetch failed")
	ErrBreakerOpen         = errors.New("circuit breaker open")
	ErrSendInvalidResponse = errors.New("send returned a message without id")
	ErrForwardFailed       = errors.New("forward failed")
	ErrCancelled           = errors.New("campaign cancelled")
	ErrNoVideos            = errors.New("at least one video locator is required")
)
