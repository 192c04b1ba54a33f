package core

import "errors"

var (
	// ErrUnsupportedEnvironment means the local media engine cannot satisfy
	// the router capabilities. Fatal to the session.
	ErrUnsupportedEnvironment = errors.New("unsupported environment")

	// ErrInvalidState is transport or device misuse, e.g. creating a
	// transport before capabilities are loaded.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameters reports malformed transport or consumer parameters.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrSignaling wraps an explicit error marker returned by the server.
	ErrSignaling = errors.New("signaling error")

	// ErrDeviceAcquisition means the capture device could not be opened.
	ErrDeviceAcquisition = errors.New("device acquisition failure")

	ErrNotJoined = errors.New("not joined")
	ErrClosed    = errors.New("closed")
)
