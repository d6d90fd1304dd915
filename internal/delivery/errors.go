package delivery

import "errors"

var (
	// ErrQueueClosed is returned when attempting to use a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when attempting to enqueue to a full queue
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueEmpty is returned when no task arrived before the dequeue timeout
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrStopped is returned by Dequeue when the stop signal fired
	ErrStopped = errors.New("stop requested")

	// ErrUnknownTaskType is returned when no handler exists for a task type
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrMissingCollaborator is returned by Start when the accounting processor or the chat transport is not set
	ErrMissingCollaborator = errors.New("missing collaborator")
)
