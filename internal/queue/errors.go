package queue

import "errors"

var (
	// ErrItemNotFound is returned by Get when no item has the given id.
	ErrItemNotFound = errors.New("queue: item not found")
	// ErrNotReplayable is returned by Replay when the item is not in a
	// terminal state.
	ErrNotReplayable = errors.New("queue: item is not in a replayable state")
	// ErrEmptyPayload is returned by Enqueue when the payload is empty or
	// not valid JSON.
	ErrEmptyPayload = errors.New("queue: payload must be non-empty JSON")
)
