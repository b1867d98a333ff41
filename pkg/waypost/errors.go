package waypost

import (
	"errors"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
)

// Sentinel errors for conditions callers are expected to branch on. Match
// them with errors.Is; the full tracker response stays on the chain.
var (
	// ErrUnauthorized means the API key is missing, invalid, revoked, or
	// lacks the needed scope. Check WAYPOST_API_KEY.
	ErrUnauthorized = errors.New("waypost: unauthorized")

	// ErrRunNotActive means the run was finished or abandoned server-side
	// and no longer accepts points.
	ErrRunNotActive = errors.New("waypost: run is not active")

	// ErrRunClosed means Finish or Close was already called on this handle.
	ErrRunClosed = errors.New("waypost: run is closed")

	// ErrRunNotCreated means the run never reached the tracker and exists
	// only in the offline spool; Replay creates it.
	ErrRunNotCreated = errors.New("waypost: run not created on tracker yet")

	// ErrIncompatibleClient means the tracker rejected this SDK release.
	// Upgrade the module and restart the process.
	ErrIncompatibleClient = errors.New("waypost: client version rejected by tracker")

	// ErrIncompatibleServer means the tracker release predates this SDK.
	ErrIncompatibleServer = errors.New("waypost: tracker version too old")

	// ErrStepBackwards means LogStep was called with a step lower than one
	// already logged.
	ErrStepBackwards = errors.New("waypost: step moved backwards")

	// ErrBufferFull means points were dropped because the in-memory buffer
	// filled while the tracker was unreachable.
	ErrBufferFull = errors.New("waypost: metric buffer full")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("waypost: not found")
)

// apiError pairs a sentinel with the tracker's error so both errors.Is on
// the sentinel and errors.As on the domain error keep working.
type apiError struct {
	sentinel error
	cause    error
}

func (e *apiError) Error() string { return e.cause.Error() }

func (e *apiError) Unwrap() []error { return []error{e.sentinel, e.cause} }

// mapError attaches the matching sentinel to a tracker error. Errors with
// no sentinel mapping pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAuthKeyMissing,
		apperrors.CodeAuthKeyInvalid,
		apperrors.CodeAuthKeyRevoked,
		apperrors.CodeAuthScopeInsufficient:
		sentinel = ErrUnauthorized
	case apperrors.CodeRunNotActive:
		sentinel = ErrRunNotActive
	case apperrors.CodeVersionClientIncompatible:
		sentinel = ErrIncompatibleClient
	case apperrors.CodeNotFound:
		sentinel = ErrNotFound
	default:
		return err
	}
	return &apiError{sentinel: sentinel, cause: err}
}

// isAPIRejection reports whether the tracker understood the request and
// refused it, as opposed to a transport failure worth retrying or spooling.
func isAPIRejection(err error) bool {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		return false
	}
	return domainErr.Code != apperrors.CodeUnknown
}
