package esi

import "errors"

var (
	// ErrRateLimited means the API signalled error-limiting. The caller
	// must requeue the work for a later due-time, not retry in place.
	ErrRateLimited = errors.New("esi: rate limited")
	// ErrTransient covers network failures and 5xx responses that
	// survived the bounded retry budget.
	ErrTransient = errors.New("esi: transient upstream error")
	// ErrNotFound is a definitive 404 for the requested entity.
	ErrNotFound = errors.New("esi: not found")
	// ErrRejected covers 400/401/403: the request itself is bad or the
	// token was refused. Retrying without intervention is pointless.
	ErrRejected = errors.New("esi: request rejected")
)
