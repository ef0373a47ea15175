package netres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/KarpelesLab/emitter"
)

// List is the resource catalog of one session peer. It allocates ids,
// dispatches inbound protocol packets, drives the periodic
// discover/status tick and reaps removed entries.
//
// Locking: the catalog map is guarded by a RWMutex (shared for lookups
// and iteration, exclusive for insert/unlink); id allocation has its own
// lock so it never blocks catalog reads; inserts additionally serialize
// on an add lock. Handlers look an entity up under the shared lock, take
// a reference, release the lock and then work under the entity's own
// file lock; no file I/O ever happens under the catalog lock.
type List struct {
	cfg        Config
	io         IO
	cache      *ResCache
	onComplete func(*Res)

	// Events emits "netres:complete" and "netres:removed" with the *Res
	// as argument, for subscribers beyond the OnComplete callback.
	Events *emitter.Hub

	mu        sync.RWMutex
	addMu     sync.Mutex
	resources map[ResID]*Res

	idMu     sync.Mutex
	clientID int32
	nextID   ResID

	// tick state, only touched by OnTimer (single main thread)
	lastDiscover time.Time
	lastStatus   time.Time
}

// New creates a resource list for the given transport and local client
// id. The network work directory is created; init fails if the path is
// blocked by a file.
func New(io IO, clientID int32, opts ...ListOption) (*List, error) {
	l := &List{
		io:        io,
		cfg:       DefaultConfig(),
		resources: make(map[ResID]*Res),
		Events:    emitter.New(),
		clientID:  clientID,
	}
	for _, o := range opts {
		o.apply(l)
	}
	l.nextID = ResID(clientID) << 16
	if err := EnsureDir(l.cfg.NetworkWorkPath); err != nil {
		return nil, fmt.Errorf("netres: could not create network path: %w", err)
	}
	return l, nil
}

// EnsureDir creates a directory if it is missing; a file at the location
// is an error.
func EnsureDir(c string) error {
	inf, err := os.Stat(c)
	if err != nil && os.IsNotExist(err) {
		return os.MkdirAll(c, 0755)
	} else if err != nil {
		return err
	} else if !inf.IsDir() {
		return errors.New("file exists at directory location")
	}
	return nil
}

// Config returns the injected configuration record.
func (l *List) Config() Config { return l.cfg }

// ClientID returns the local client id.
func (l *List) ClientID() int32 {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	return l.clientID
}

// SetLocalID retargets the local client id: every locally-owned resource
// id has its client window rewritten atomically.
func (l *List) SetLocalID(clientID int32) {
	l.idMu.Lock()
	old := l.clientID
	delta := ResID(clientID-old) << 16
	l.clientID = clientID
	l.nextID += delta
	l.idMu.Unlock()
	if delta == 0 {
		return
	}
	l.mu.Lock()
	moved := make(map[ResID]*Res)
	for id, res := range l.resources {
		if id.Client() == old {
			delete(l.resources, id)
			moved[id+delta] = res
		}
	}
	for id, res := range moved {
		l.resources[id] = res
	}
	l.mu.Unlock()
	for id, res := range moved {
		res.changeID(id)
	}
}

// NextResID allocates the next free id in the local client window,
// wrapping on exhaustion and skipping taken ids.
func (l *List) NextResID() (ResID, error) {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	base := ResID(l.clientID) << 16
	if l.nextID < base || l.nextID >= base+0x10000 {
		l.nextID = base
	}
	for tries := 0; tries < 0x10000; tries++ {
		if l.nextID >= base+0x10000 {
			l.nextID = base
		}
		id := l.nextID
		l.nextID++
		if id == ResIDAnonymous {
			continue
		}
		if l.GetRes(id) == nil {
			return id, nil
		}
	}
	return ResIDNone, ErrIDExhausted
}

// GetRes returns the catalog entry for an id without taking a reference,
// or nil.
func (l *List) GetRes(id ResID) *Res {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resources[id]
}

// GetRefRes returns the catalog entry for an id with a reference the
// caller must DelRef, or nil.
func (l *List) GetRefRes(id ResID) *Res {
	l.mu.RLock()
	res := l.resources[id]
	l.mu.RUnlock()
	if res != nil {
		res.AddRef()
	}
	return res
}

// GetRefResByFile returns the non-anonymous entry whose artifact is the
// given path, with a reference, or nil. With localOnly only resources in
// the local client window match.
func (l *List) GetRefResByFile(path string, localOnly bool) *Res {
	rs := l.snapshotRefs()
	defer releaseRefs(rs)
	client := l.ClientID()
	for _, res := range rs {
		if res.IsAnonymous() {
			continue
		}
		if res.File() != path {
			continue
		}
		if localOnly && res.ID().Client() != client {
			continue
		}
		res.AddRef()
		return res
	}
	return nil
}

// GetRefNextRes returns the non-removed entry with the smallest id not
// below the given one, with a reference, or nil. Iterating with
// id+1 walks the whole catalog.
func (l *List) GetRefNextRes(id ResID) *Res {
	rs := l.snapshotRefs()
	defer releaseRefs(rs)
	var best *Res
	var bestID ResID
	for _, res := range rs {
		rid := res.ID()
		if res.IsRemoved() || rid < id {
			continue
		}
		if best == nil || rid < bestID {
			best, bestID = res, rid
		}
	}
	if best != nil {
		best.AddRef()
	}
	return best
}

// Add links a resource into the catalog; the catalog holds one strong
// reference per entry.
func (l *List) Add(res *Res) {
	l.addMu.Lock()
	defer l.addMu.Unlock()
	id := res.ID()
	res.AddRef()
	l.mu.Lock()
	l.resources[id] = res
	l.mu.Unlock()
}

// AddByFile installs a local file or directory as a new resource,
// deduplicating by path. With id < 0 a fresh id is allocated. The
// returned resource carries a reference the caller must DelRef.
func (l *List) AddByFile(path string, temp bool, t ResType, id ResID, name string, allowUnloadable bool) (*Res, error) {
	if res := l.GetRefResByFile(path, false); res != nil {
		return res, nil
	}
	if id < 0 {
		var err error
		if id, err = l.NextResID(); err != nil {
			return nil, err
		}
	}
	res := newRes(l)
	if err := res.SetByFile(path, temp, t, id, name); err != nil {
		return nil, err
	}
	// system files never get a standalone; they must not become loadable
	if t != ResSystem {
		if _, err := res.GetStandalone(true, allowUnloadable); err != nil && !allowUnloadable {
			return nil, err
		}
	}
	l.Add(res)
	res.AddRef()
	return res, nil
}

// AddByCore matches a remote announcement against local files; if no
// identical copy exists and load is set, a loading entity is allocated
// instead. The returned resource carries a reference.
func (l *List) AddByCore(core Core, load bool) (*Res, error) {
	if res := l.GetRefRes(core.ID); res != nil {
		return res, nil
	}
	res := newRes(l)
	if res.SetByCore(core, "", 0) {
		logInfo(fmt.Sprintf("found identical %s, not loading", core.FileName), "netres:list:match")
		l.Add(res)
		res.AddRef()
		return res, nil
	}
	if load {
		return l.AddLoad(core)
	}
	return nil, fmt.Errorf("netres: no local copy of %s", core.FileName)
}

// AddLoad allocates a loading entity for an announced core. The returned
// resource carries a reference.
func (l *List) AddLoad(core Core) (*Res, error) {
	if !core.Loadable {
		logInfo(fmt.Sprintf("cannot load %s (marked unloadable)", core.FileName), "netres:list:unloadable")
		return nil, ErrNotLoadable
	}
	res := newRes(l)
	if err := res.SetLoad(core); err != nil {
		return nil, err
	}
	logInfo(fmt.Sprintf("loading %s...", core.FileName), "netres:list:load")
	l.Add(res)
	res.AddRef()
	return res, nil
}

// RemoveAtClient schedules every resource of the given peer for removal.
func (l *List) RemoveAtClient(clientID int32) {
	rs := l.snapshotRefs()
	defer releaseRefs(rs)
	for _, res := range rs {
		if res.ID().Client() == clientID {
			res.Remove()
		}
	}
}

// Clear unlinks every entry and releases the catalog references; temp
// files of owned entities are deleted.
func (l *List) Clear() {
	l.mu.Lock()
	old := l.resources
	l.resources = make(map[ResID]*Res)
	l.mu.Unlock()
	for _, res := range old {
		res.Remove()
		res.DelRef()
	}
	l.lastDiscover = time.Time{}
	l.lastStatus = time.Time{}
}

// Close clears the catalog and releases the checksum cache.
func (l *List) Close() error {
	l.Clear()
	return l.cache.Close()
}

// OnClientConnect greets a newly connected peer with our discover set.
func (l *List) OnClientConnect(conn Conn) {
	l.SendDiscover(conn)
}

// SendDiscover announces all known resource ids to one peer, or to
// everyone.
func (l *List) SendDiscover(to Conn) error {
	var pkt PacketResDiscover
	rs := l.snapshotRefs()
	for _, res := range rs {
		if !res.IsRemoved() {
			pkt.AddDisID(res.ID())
		}
	}
	releaseRefs(rs)
	if len(pkt.IDs) == 0 {
		return nil
	}
	p, err := MkPacket(PktResDiscover, pkt)
	if err != nil {
		return err
	}
	if to == nil {
		l.lastDiscover = time.Now()
		return l.io.BroadcastMsg(p)
	}
	return to.Send(p)
}

// HandlePacket dispatches one inbound protocol packet. Parse failures
// are logged and dropped; there is no retaliatory disconnect.
func (l *List) HandlePacket(kind PacketKind, payload []byte, conn Conn) {
	if conn == nil {
		return
	}
	switch kind {
	case PktResDiscover:
		if !conn.IsOpen() {
			return
		}
		var pkt PacketResDiscover
		if err := unmarshalPayload(payload, &pkt); err != nil {
			logDebug(fmt.Sprintf("dropping discover: %s", err), "netres:list:corrupt")
			return
		}
		rs := l.snapshotRefs()
		for _, res := range rs {
			if pkt.IsIDPresent(res.ID()) && res.IsBinaryCompatible() {
				res.OnDiscover(conn)
			}
		}
		releaseRefs(rs)

	case PktResStatus:
		if !conn.IsOpen() {
			return
		}
		var pkt PacketResStatus
		if err := unmarshalPayload(payload, &pkt); err != nil {
			logDebug(fmt.Sprintf("dropping status: %s", err), "netres:list:corrupt")
			return
		}
		if res := l.GetRefRes(pkt.ResID); res != nil {
			res.OnStatus(&pkt.Chunks, conn)
			res.DelRef()
		}

	case PktResDerive:
		var core Core
		if err := unmarshalPayload(payload, &core); err != nil {
			logDebug(fmt.Sprintf("dropping derive: %s", err), "netres:list:corrupt")
			return
		}
		if !core.IsDerived() {
			return
		}
		rs := l.snapshotRefs()
		for _, res := range rs {
			if res.IsAnonymous() {
				res.finishDeriveRemote(core)
			}
		}
		releaseRefs(rs)

	case PktResRequest:
		var pkt PacketResRequest
		if err := unmarshalPayload(payload, &pkt); err != nil {
			logDebug(fmt.Sprintf("dropping request: %s", err), "netres:list:corrupt")
			return
		}
		if res := l.GetRefRes(pkt.ResID); res != nil {
			if res.IsBinaryCompatible() {
				res.SendChunk(int(pkt.Chunk), conn.ClientID())
			}
			res.DelRef()
		}

	case PktResData:
		var chunk ResChunk
		if err := unmarshalPayload(payload, &chunk); err != nil {
			logDebug(fmt.Sprintf("dropping data: %s", err), "netres:list:corrupt")
			return
		}
		if res := l.GetRefRes(chunk.ResID); res != nil {
			res.OnChunk(&chunk)
			res.DelRef()
		}
	}
}

// OnTimer is the periodic tick: it drives loads, removes unreachable
// loading entities, broadcasts discover and status on their cadences and
// reaps removed entries past their grace window.
func (l *List) OnTimer() {
	rs := l.snapshotRefs()
	// loads and load timeouts
	for _, res := range rs {
		if res.IsLoading() && !res.IsRemoved() {
			if !res.DoLoad() {
				logInfo(fmt.Sprintf("%s unreachable, removing", res.Core().FileName), "netres:list:timeout")
				res.Remove()
				l.Events.Emit(context.Background(), "netres:removed", res)
			}
		}
	}
	// discovery time?
	if l.lastDiscover.IsZero() || time.Since(l.lastDiscover) >= DiscoverInterval {
		need := false
		for _, res := range rs {
			if !res.IsRemoved() && res.NeedsDiscover() {
				need = true
			}
		}
		if need {
			l.SendDiscover(nil)
		}
	}
	// status update?
	if l.lastStatus.IsZero() || time.Since(l.lastStatus) >= StatusInterval {
		sent := false
		for _, res := range rs {
			if res.isDirty() && !res.IsRemoved() {
				if res.SendStatus(nil) == nil {
					sent = true
				}
			}
		}
		if sent {
			l.lastStatus = time.Now()
		} else {
			l.lastStatus = time.Time{}
		}
	}
	releaseRefs(rs)
	l.reap()
}

// reap unlinks removed entries that are either unrequested or past the
// delete grace window. The exclusive catalog lock is the safe point: no
// shared holder can still be iterating.
func (l *List) reap() {
	type victim struct {
		id  ResID
		res *Res
	}
	var victims []victim
	rs := l.snapshotRefs()
	for _, res := range rs {
		if !res.IsRemoved() {
			continue
		}
		if lr := res.lastRequested(); lr.IsZero() || time.Since(lr) > ResDeleteTime {
			victims = append(victims, victim{id: res.ID(), res: res})
		}
	}
	releaseRefs(rs)
	if len(victims) == 0 {
		return
	}
	var unlinked []*Res
	l.mu.Lock()
	for _, v := range victims {
		if l.resources[v.id] == v.res {
			delete(l.resources, v.id)
			unlinked = append(unlinked, v.res)
		}
	}
	l.mu.Unlock()
	for _, res := range unlinked {
		res.DelRef()
	}
}

// GetClientProgress sums a peer's reported progress across all
// resources, as a percentage.
func (l *List) GetClientProgress(clientID int32) int {
	sumPresent, sumTotal := 0, 0
	rs := l.snapshotRefs()
	defer releaseRefs(rs)
	for _, res := range rs {
		if res.IsRemoved() {
			continue
		}
		present, total, ok := res.GetClientProgress(clientID)
		if !ok {
			continue
		}
		sumPresent += present
		sumTotal += total
	}
	if sumTotal == 0 {
		return 100
	}
	return sumPresent * 100 / sumTotal
}

// onResComplete is called when a loading resource finishes and verifies.
func (l *List) onResComplete(res *Res) {
	logInfo(fmt.Sprintf("%s received", res.Core().FileName), "netres:list:complete")
	l.Events.Emit(context.Background(), "netres:complete", res)
	if l.onComplete != nil {
		l.onComplete(res)
	}
}

// snapshotRefs captures the catalog under the shared lock, taking a
// reference on every entry. Release with releaseRefs.
func (l *List) snapshotRefs() []*Res {
	l.mu.RLock()
	out := make([]*Res, 0, len(l.resources))
	for _, res := range l.resources {
		res.AddRef()
		out = append(out, res)
	}
	l.mu.RUnlock()
	return out
}

func releaseRefs(rs []*Res) {
	for _, res := range rs {
		res.DelRef()
	}
}
