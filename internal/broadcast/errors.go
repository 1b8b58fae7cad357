package broadcast

import "errors"

var (
	// ErrRoomFull rejects a join against a room at its configured capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomTaken rejects creating a room whose name already has members.
	ErrRoomTaken = errors.New("room name is taken")
	// ErrNotInRoom rejects negotiation for a session that has not joined a room.
	ErrNotInRoom = errors.New("session is not in a room")

	// ErrPresenterActive rejects a second presenter while one is active. The
	// text is sent verbatim to clients.
	ErrPresenterActive = errors.New("Another user is currently acting as presenter. Try again later ...")
	// ErrNoPresenter rejects viewer attempts in a room without a ready
	// presenter. The text is sent verbatim to clients.
	ErrNoPresenter = errors.New("No active presenter. Try again later ...")

	// ErrSuperseded aborts an in-flight negotiation whose slot was cleared or
	// replaced (stop, leave or disconnect won the race).
	ErrSuperseded = errors.New("negotiation superseded")
)
