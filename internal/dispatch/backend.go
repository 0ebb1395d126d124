package dispatch

// Backend is the pluggable worker-process launcher. The default is the
// PID-spawn backend (dispatch.go); an optional Docker-based backend
// (docker.go) implements the same interface for containerized workers.
type Backend interface {
	// Spawn launches a worker process bound to queueName, carrying
	// promptFile (empty if the resolved role prompt was empty) as its
	// system prompt, and returns a handle identifying it.
	Spawn(queueName, promptFile string) (handle int, err error)

	// IsAlive reports whether the worker behind handle is still running.
	IsAlive(handle int) bool

	// Kill terminates the worker behind handle, if still running.
	Kill(handle int) error

	// Name identifies the backend for logging/config ("pid" or "docker").
	Name() string
}
