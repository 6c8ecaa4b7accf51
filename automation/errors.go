package automation

import "errors"

var (
	// ErrTooManyThreads is returned by StartThread at the thread limit.
	ErrTooManyThreads = errors.New("too many threads")
	// ErrZombieThreads is returned by Close when threads outlived the
	// teardown timeout. A later Close retries them.
	ErrZombieThreads = errors.New("threads did not stop in time")
	// ErrNoThreadRun is returned when a thread script lacks ThreadRun.
	ErrNoThreadRun = errors.New("thread script does not define ThreadRun")
	ErrNoSuchThread = errors.New("no such thread")
	ErrClosed       = errors.New("automation closed")
	// ErrLoading rejects calls that need the pump while a thread script's
	// body is still running.
	ErrLoading = errors.New("not available while the thread script loads")
)
