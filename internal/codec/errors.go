package codec

import "errors"

var (
	// ErrWorkerTimeout is returned when a dispatched job's deadline elapses
	// before a worker produces a result.
	ErrWorkerTimeout = errors.New("codec: worker timeout")
	// ErrWorkerCrashed is returned for in-flight jobs owned by a worker that
	// panicked; the pool restarts that slot and the caller should treat the
	// call as failed, not retried inline.
	ErrWorkerCrashed = errors.New("codec: worker crashed")
	// ErrWorkerCancelled is returned for jobs still queued when the pool is
	// shut down (session Closed, or process shutdown), and for jobs whose
	// context ends before a worker's queue accepts them.
	ErrWorkerCancelled = errors.New("codec: worker cancelled")
	// ErrPoolClosed is returned by Encode/Decode once Close has been called.
	ErrPoolClosed = errors.New("codec: pool closed")
)
