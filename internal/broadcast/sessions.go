package broadcast

import (
	"log/slog"
	"strconv"
	"sync"
)

// SessionID identifies one connected participant. IDs are process-unique and
// monotonically assigned.
type SessionID string

// Resources are the per-connection sharing flags advertised to room members.
type Resources struct {
	Screen bool `json:"screen"`
	Video  bool `json:"video"`
	Audio  bool `json:"audio"`
}

// ResourceKind names one flag in Resources.
type ResourceKind string

const (
	ResourceScreen ResourceKind = "screen"
	ResourceVideo  ResourceKind = "video"
	ResourceAudio  ResourceKind = "audio"
)

type sessionState struct {
	room      string
	resources Resources
}

// SessionRegistry tracks connected participants, their current room and their
// resource flags. Operations on unknown sessions log at debug and return.
type SessionRegistry struct {
	log *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	sessions map[SessionID]*sessionState
}

func NewSessionRegistry(log *slog.Logger) *SessionRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &SessionRegistry{
		log:      log,
		sessions: make(map[SessionID]*sessionState),
	}
}

// Create registers a new session and returns its id. New sessions default to
// sharing video only.
func (r *SessionRegistry) Create() SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := SessionID(strconv.FormatUint(r.nextID, 10))
	r.sessions[id] = &sessionState{
		resources: Resources{Video: true},
	}
	return id
}

func (r *SessionRegistry) Remove(id SessionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// SetRoom records the room the session currently occupies; "" means none.
func (r *SessionRegistry) SetRoom(id SessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		r.log.Debug("set room on unknown session", "session_id", id)
		return
	}
	s.room = room
}

// Room returns the session's current room, if any.
func (r *SessionRegistry) Room(id SessionID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.room == "" {
		return "", false
	}
	return s.room, true
}

func (r *SessionRegistry) SetResource(id SessionID, kind ResourceKind, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		r.log.Debug("set resource on unknown session", "session_id", id, "kind", kind)
		return
	}
	switch kind {
	case ResourceScreen:
		s.resources.Screen = on
	case ResourceVideo:
		s.resources.Video = on
	case ResourceAudio:
		s.resources.Audio = on
	default:
		r.log.Debug("unknown resource kind", "session_id", id, "kind", kind)
	}
}

func (r *SessionRegistry) Resources(id SessionID) (Resources, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Resources{}, false
	}
	return s.resources, true
}
