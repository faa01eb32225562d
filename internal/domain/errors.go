package domain

import "errors"

var (
	// ErrPermissionDenied indicates the user refused access to the platform store.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBackendUnavailable indicates the platform store is missing or disabled.
	ErrBackendUnavailable = errors.New("health backend unavailable")
	// ErrProviderRead wraps failures while querying the platform store.
	ErrProviderRead = errors.New("provider read failed")
	// ErrConversion indicates a raw record could not be mapped into the data model.
	ErrConversion = errors.New("conversion failed")
	// ErrPersistence wraps key-value or log write failures.
	ErrPersistence = errors.New("persistence failed")
	// ErrNotConnected is reported when a sync is requested without a connected backend.
	ErrNotConnected = errors.New("not connected")
)
