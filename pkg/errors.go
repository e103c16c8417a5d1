package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoRoute is returned when a request must be forwarded but the routing table is empty
	ErrNoRoute = errors.New("routing table is empty")

	// ErrJoinRejected is returned when the contact node does not accept a join
	ErrJoinRejected = errors.New("join rejected")

	// ErrNotJoined is returned when an operation needs ring membership the node doesn't have yet
	ErrNotJoined = errors.New("node has not joined a ring")

	// ErrDeparted is returned once the node has left the ring
	ErrDeparted = errors.New("node has left the ring")
)
