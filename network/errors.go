package network

import "errors"

var (
	// ErrConnectionGone is returned by a protocol whose connection was released or closed
	ErrConnectionGone = errors.New("connection gone")

	// ErrTooManyConnections is returned when the connection manager is at capacity
	ErrTooManyConnections = errors.New("too many connections")

	// ErrPortInUse is returned when an ip:port pair is already bound by the service manager
	ErrPortInUse = errors.New("port already in use")

	// ErrSingleSocketPort is returned when a service cannot share its port
	ErrSingleSocketPort = errors.New("port is reserved by a single-socket service")

	// ErrNoServices is returned when a port is opened without services
	ErrNoServices = errors.New("no services registered")

	// ErrServiceManagerRunning is returned when ports are added to a running service manager
	ErrServiceManagerRunning = errors.New("service manager is running")

	// ErrCircuitOpen is returned by a client whose dial breaker is open
	ErrCircuitOpen = errors.New("dial circuit open")

	// ErrBadFrame is returned by a client that receives a malformed frame
	ErrBadFrame = errors.New("malformed frame")
)
