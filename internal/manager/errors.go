package manager

import "errors"

var (
	// ErrFatal wraps faults of the engine's own facilities. Run returns it
	// and leaves children running.
	ErrFatal = errors.New("supervision engine fault")
	// ErrClosed is returned by commands once the control loop has exited.
	ErrClosed = errors.New("supervision engine stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("supervision engine already running")
)
