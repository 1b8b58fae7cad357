package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/streamforge/broadcast-relay/internal/media"
	"github.com/streamforge/broadcast-relay/internal/metrics"
)

// RoomDescription is a snapshot of a room's members and their resource flags,
// handed to joiners so they can render the roster.
type RoomDescription map[SessionID]Resources

// presenterSlot is the at-most-one broadcast source of a room. A slot exists
// from the moment a presenter negotiation reserves it; the pipeline and
// endpoint are attached as the asynchronous media setup progresses. The epoch
// is stamped at reservation and never changes, so in-flight negotiations can
// detect that their slot was cleared and re-reserved.
type presenterSlot struct {
	session  SessionID
	epoch    uint64
	pipeline media.Pipeline
	endpoint media.Endpoint
}

type viewerSlot struct {
	session  SessionID
	endpoint media.Endpoint
	peer     Peer
}

type room struct {
	name      string
	members   map[SessionID]struct{}
	presenter *presenterSlot
	viewers   map[SessionID]*viewerSlot
}

// Registry tracks rooms, their membership and their negotiation slots. All
// mutations happen under one mutex; media calls never run while it is held.
type Registry struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	sessions   *SessionRegistry
	maxClients int

	mu        sync.Mutex
	rooms     map[string]*room
	nextEpoch uint64
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics, sessions *SessionRegistry, maxClients int) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		metrics:    m,
		sessions:   sessions,
		maxClients: maxClients,
		rooms:      make(map[string]*room),
	}
}

// Join moves the session into the named room, creating the room if needed and
// leaving any previous room. The returned description is a snapshot of the
// members present before the session was added. A full room rejects the join
// and leaves the session's membership untouched.
func (r *Registry) Join(id SessionID, name string) (RoomDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(id, name)
}

func (r *Registry) joinLocked(id SessionID, name string) (RoomDescription, error) {
	rm := r.rooms[name]
	if rm != nil && r.maxClients > 0 && len(rm.members) >= r.maxClients {
		r.metrics.Inc(metrics.RoomFull)
		return nil, ErrRoomFull
	}

	r.leaveLocked(id)

	// Leaving may have deleted the room when the session was its only member.
	rm = r.rooms[name]
	if rm == nil {
		rm = &room{
			name:    name,
			members: make(map[SessionID]struct{}),
			viewers: make(map[SessionID]*viewerSlot),
		}
		r.rooms[name] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Info("room created", "room", name)
	}

	desc := r.describeLocked(rm)
	rm.members[id] = struct{}{}
	r.sessions.SetRoom(id, name)
	return desc, nil
}

// Create joins a room that must not already have members. An empty name asks
// for a generated one; the generated name is returned. The taken check and
// the join happen under one lock acquisition so two concurrent creates of the
// same name cannot both be accepted.
func (r *Registry) Create(id SessionID, name string) (string, RoomDescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = uuid.NewString()
		for r.takenLocked(name) {
			name = uuid.NewString()
		}
	} else if r.takenLocked(name) {
		r.metrics.Inc(metrics.RoomTaken)
		return "", nil, ErrRoomTaken
	}
	desc, err := r.joinLocked(id, name)
	if err != nil {
		return "", nil, err
	}
	return name, desc, nil
}

// full reports whether the room is at its configured capacity.
func (r *Registry) full(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	return rm != nil && r.maxClients > 0 && len(rm.members) >= r.maxClients
}

// Taken reports whether a room with that name currently has members.
func (r *Registry) Taken(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takenLocked(name)
}

func (r *Registry) takenLocked(name string) bool {
	rm := r.rooms[name]
	return rm != nil && len(rm.members) > 0
}

// Leave removes the session from its current room, deleting the room once it
// has no members left. The caller is responsible for stopping the session's
// broadcast role first; any dangling slots are dropped here without media
// cleanup.
func (r *Registry) Leave(id SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(id)
}

func (r *Registry) leaveLocked(id SessionID) {
	name, ok := r.sessions.Room(id)
	if !ok {
		return
	}
	rm := r.rooms[name]
	if rm == nil {
		r.sessions.SetRoom(id, "")
		return
	}

	delete(rm.members, id)
	delete(rm.viewers, id)
	if rm.presenter != nil && rm.presenter.session == id {
		rm.presenter = nil
	}
	r.sessions.SetRoom(id, "")

	if len(rm.members) == 0 {
		delete(r.rooms, name)
		r.log.Info("room deleted", "room", name)
	}
}

// Describe snapshots the members of a room and their resource flags. An
// unknown room describes as empty.
func (r *Registry) Describe(name string) RoomDescription {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return RoomDescription{}
	}
	return r.describeLocked(rm)
}

func (r *Registry) describeLocked(rm *room) RoomDescription {
	desc := make(RoomDescription, len(rm.members))
	for id := range rm.members {
		res, ok := r.sessions.Resources(id)
		if !ok {
			continue
		}
		desc[id] = res
	}
	return desc
}

// Members returns the session ids currently in the room.
func (r *Registry) Members(name string) []SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	ids := make([]SessionID, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// reservePresenter claims the room's presenter slot for the session and
// returns the epoch stamped on the reservation. A room with an active or
// in-flight presenter rejects the claim without disturbing it.
func (r *Registry) reservePresenter(name string, id SessionID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return 0, ErrNotInRoom
	}
	if rm.presenter != nil {
		return 0, ErrPresenterActive
	}

	r.nextEpoch++
	rm.presenter = &presenterSlot{session: id, epoch: r.nextEpoch}
	return r.nextEpoch, nil
}

// presenterSlotLocked returns the room's slot if it still belongs to the
// given session and epoch.
func (r *Registry) presenterSlotLocked(name string, id SessionID, epoch uint64) *presenterSlot {
	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	slot := rm.presenter
	if slot == nil || slot.session != id || slot.epoch != epoch {
		return nil
	}
	return slot
}

// attachPresenterPipeline stores the pipeline on the reservation. It reports
// false when the slot was cleared or re-reserved in the meantime, in which
// case the caller still owns the pipeline and must release it.
func (r *Registry) attachPresenterPipeline(name string, id SessionID, epoch uint64, p media.Pipeline) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.presenterSlotLocked(name, id, epoch)
	if slot == nil {
		return false
	}
	slot.pipeline = p
	return true
}

func (r *Registry) attachPresenterEndpoint(name string, id SessionID, epoch uint64, ep media.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.presenterSlotLocked(name, id, epoch)
	if slot == nil {
		return false
	}
	slot.endpoint = ep
	return true
}

// presenterAlive reports whether the reservation identified by session and
// epoch still holds the slot.
func (r *Registry) presenterAlive(name string, id SessionID, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenterSlotLocked(name, id, epoch) != nil
}

// clearPresenter removes the reservation if it still belongs to session and
// epoch, returning the slot so the caller can release attached media handles.
// Once this returns nil the handles belong to whoever cleared the slot first.
func (r *Registry) clearPresenter(name string, id SessionID, epoch uint64) *presenterSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.presenterSlotLocked(name, id, epoch)
	if slot == nil {
		return nil
	}
	r.rooms[name].presenter = nil
	return slot
}

// readyPresenter returns the room's pipeline and the owning reservation once
// the presenter negotiation has attached it. Viewers branch off this.
func (r *Registry) readyPresenter(name string) (media.Pipeline, SessionID, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil || rm.presenter == nil || rm.presenter.pipeline == nil {
		return nil, "", 0, ErrNoPresenter
	}
	return rm.presenter.pipeline, rm.presenter.session, rm.presenter.epoch, nil
}

// presenterEndpoint returns the presenter's endpoint for connecting a viewer,
// validating that the reservation is unchanged and the endpoint attached.
func (r *Registry) presenterEndpoint(name string, id SessionID, epoch uint64) (media.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.presenterSlotLocked(name, id, epoch)
	if slot == nil || slot.endpoint == nil {
		return nil, ErrNoPresenter
	}
	return slot.endpoint, nil
}

// registerViewer records the viewer's endpoint and peer, re-validating that
// the session is still a member and the presenter reservation is unchanged.
func (r *Registry) registerViewer(name string, id SessionID, presenter SessionID, epoch uint64, ep media.Endpoint, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return ErrSuperseded
	}
	if _, ok := rm.members[id]; !ok {
		return ErrSuperseded
	}
	if r.presenterSlotLocked(name, presenter, epoch) == nil {
		return ErrNoPresenter
	}
	rm.viewers[id] = &viewerSlot{session: id, endpoint: ep, peer: peer}
	return nil
}

// removeViewer takes the viewer slot out of the room if it still holds the
// given endpoint, returning it so the caller can release the handle. A nil
// return means someone else (stop or presenter teardown) already owns it.
func (r *Registry) removeViewer(name string, id SessionID, ep media.Endpoint) *viewerSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	slot := rm.viewers[id]
	if slot == nil || slot.endpoint != ep {
		return nil
	}
	delete(rm.viewers, id)
	return slot
}

// takeRole removes the session's negotiation state from its room for a stop.
// For a presenter it clears the slot and empties the viewer set, returning
// the slot and the orphaned viewers so the caller can notify and release; for
// a viewer it returns just that slot.
func (r *Registry) takeRole(name string, id SessionID) (*presenterSlot, []*viewerSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return nil, nil
	}

	if rm.presenter != nil && rm.presenter.session == id {
		slot := rm.presenter
		rm.presenter = nil
		viewers := make([]*viewerSlot, 0, len(rm.viewers))
		for _, v := range rm.viewers {
			viewers = append(viewers, v)
		}
		rm.viewers = make(map[SessionID]*viewerSlot)
		return slot, viewers
	}

	if v := rm.viewers[id]; v != nil {
		delete(rm.viewers, id)
		return nil, []*viewerSlot{v}
	}
	return nil, nil
}

// lookupEndpoint finds the session's negotiated endpoint in the room, if any.
func (r *Registry) lookupEndpoint(name string, id SessionID) media.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[name]
	if rm == nil {
		return nil
	}
	if rm.presenter != nil && rm.presenter.session == id {
		return rm.presenter.endpoint
	}
	if v := rm.viewers[id]; v != nil {
		return v.endpoint
	}
	return nil
}
