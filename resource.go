package netres

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// resLoad is one outstanding chunk request.
type resLoad struct {
	chunk    int
	byClient int32
	started  time.Time
}

func (ld *resLoad) timedOut(now time.Time) bool {
	return now.Sub(ld.started) >= LoadTimeout
}

// Res is one resource known to the catalog: either installed from a local
// file, or being loaded chunk by chunk from remote peers. The catalog
// holds one strong reference per entry; handlers take transient
// references for the duration of a call. A Res owns its temp files and
// deletes them when the last reference drops.
type Res struct {
	parent  *List
	refCnt  atomic.Int32
	removed atomic.Bool

	// mu is the entity's file lock: it serializes standalone
	// materialization, chunk reads/writes and all mutable state below.
	mu               sync.Mutex
	core             Core
	chunks           ChunkMap
	file             string // current artifact (file or directory)
	standalone       string // canonical single-file form, "" if not built
	tempFile         bool
	standaloneFailed bool
	dirty            bool // chunk map changed since last broadcast
	local            bool
	loading          bool
	lastReqTime      time.Time
	discoverStart    time.Time
	loads            []*resLoad
	clientChunks     map[int32]*ChunkMap // per-peer availability
}

func newRes(parent *List) *Res {
	return &Res{parent: parent}
}

// AddRef takes a strong reference.
func (r *Res) AddRef() { r.refCnt.Add(1) }

// DelRef drops a strong reference; at zero the entity clears itself and
// deletes its temp files.
func (r *Res) DelRef() {
	if r.refCnt.Add(-1) == 0 {
		r.mu.Lock()
		r.clear()
		r.mu.Unlock()
	}
}

// Remove schedules the resource for removal; the list reaps it after the
// grace window.
func (r *Res) Remove() { r.removed.Store(true) }

// IsRemoved reports whether the resource has been scheduled for removal.
func (r *Res) IsRemoved() bool { return r.removed.Load() }

// changeID rewrites the resource id during client id retargeting.
func (r *Res) changeID(id ResID) {
	r.mu.Lock()
	r.core.ID = id
	r.mu.Unlock()
}

// Core returns a copy of the descriptor.
func (r *Res) Core() Core {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core
}

// ID returns the resource id.
func (r *Res) ID() ResID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.ID
}

// Type returns the resource type.
func (r *Res) Type() ResType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.Type
}

// IsLoading reports whether the resource is still being transferred.
func (r *Res) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// IsAnonymous reports whether the resource awaits its derive core.
func (r *Res) IsAnonymous() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core.ID.IsAnonymous()
}

// File returns the current on-disk artifact path.
func (r *Res) File() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file
}

// Standalone returns the canonical single-file artifact path, or "" if it
// has not been materialized.
func (r *Res) Standalone() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.standalone
}

// Progress returns present and total chunk counts of the local map.
func (r *Res) Progress() (present, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks.PresentChunkCnt(), r.chunks.ChunkCnt()
}

func (r *Res) lastRequested() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReqTime
}

func (r *Res) isDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// SetByFile installs a local file or directory. If the path opens as a
// group the descriptor is taken from the group's entries.
func (r *Res) SetByFile(path string, temp bool, t ResType, id ResID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setByFile(path, temp, t, id, name)
}

func (r *Res) setByFile(path string, temp bool, t ResType, id ResID, name string) error {
	if name == "" {
		name = r.defaultResName(path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("netres: set by file %s: %w", path, err)
	}
	if fi.IsDir() {
		// contents checksum is only known once the directory is packed
		r.file = path
		r.standalone = ""
		r.core.Set(t, id, name, 0, "")
		r.applyInstallFlags(temp)
		return nil
	}
	// the checksum cache spares re-hashing on repeated announcements
	if _, crc, ok := r.parent.cache.Get(path, fi.Size(), fi.ModTime()); ok {
		r.file = path
		r.standalone = ""
		r.core.Set(t, id, name, crc, "")
		r.applyInstallFlags(temp)
		return nil
	}
	if g, err := OpenGroup(path); err == nil {
		defer g.Close()
		return r.setByGroup(g, fi, temp, t, id, name)
	}
	crc, err := FileCRC(path)
	if err != nil {
		return fmt.Errorf("netres: set by file %s: %w", path, err)
	}
	r.parent.cache.Put(path, fi.Size(), fi.ModTime(), crc, crc)
	r.file = path
	r.standalone = ""
	r.core.Set(t, id, name, crc, "")
	r.applyInstallFlags(temp)
	return nil
}

func (r *Res) setByGroup(g *Group, fi os.FileInfo, temp bool, t ResType, id ResID, name string) error {
	crc := g.EntryCRC()
	r.parent.cache.Put(g.Path(), fi.Size(), fi.ModTime(), 0, crc)
	r.file = g.Path()
	r.standalone = ""
	r.core.Set(t, id, name, crc, "")
	r.applyInstallFlags(temp)
	return nil
}

func (r *Res) applyInstallFlags(temp bool) {
	r.dirty = true
	r.tempFile = temp
	r.standaloneFailed = false
	r.removed.Store(false)
	r.lastReqTime = time.Now()
	r.loading = false
	r.local = true
}

func (r *Res) defaultResName(path string) string {
	if rel, err := filepath.Rel(r.parent.cfg.ExePath, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

// SetByCore tries to locate a local copy matching a remote announcement:
// the configured filename first, then the bare filename, then sibling
// directories of the search root up to the configured recursion depth.
// On acceptance the announced core replaces the locally computed one, so
// the announcer's file checksum and SHA stay authoritative.
func (r *Res) SetByCore(nCore Core, asFilename string, recursion int) bool {
	filename := asFilename
	if filename == "" {
		filename = filepath.FromSlash(nCore.FileName)
	}
	if r.trySetByFile(filename, nCore) {
		return true
	}
	// search for the bare filename (e.g. Castle.ocs when the announcement
	// names Easy.ocf/Castle.ocs)
	if bare := filepath.Base(filename); bare != filename {
		if r.SetByCore(nCore, bare, r.parent.cfg.MaxResSearchRecursion) {
			return true
		}
	}
	// walk sibling directories of the search root, skipping the network
	// work dir and directories that carry an extension
	if recursion >= r.parent.cfg.MaxResSearchRecursion {
		return false
	}
	searchPath := r.parent.cfg.ExePath
	if recursion > 0 {
		searchPath = filepath.Dir(filename)
	}
	netPath := filepath.Clean(r.parent.cfg.NetworkWorkPath)
	entries, err := os.ReadDir(searchPath)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue
		}
		sub := filepath.Join(searchPath, e.Name())
		if filepath.Clean(sub) == netPath {
			continue
		}
		candidate := filepath.Join(sub, filepath.FromSlash(nCore.FileName))
		if r.SetByCore(nCore, candidate, recursion+1) {
			return true
		}
	}
	return false
}

func (r *Res) trySetByFile(filename string, nCore Core) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setByFile(filename, false, nCore.Type, nCore.ID, nCore.FileName); err != nil {
		return false
	}
	if r.core.ContentsCRC != nCore.ContentsCRC {
		return false
	}
	r.dirty = true
	r.core = nCore
	// build the standalone now so the artifact is servable right away
	r.getStandalone(false, false)
	return true
}

// SetLoad prepares the resource for chunked loading from remote peers.
func (r *Res) SetLoad(nCore Core) error {
	if !nCore.Loadable {
		return ErrNotLoadable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	r.core = nCore
	r.chunks.SetIncomplete(nCore.ChunkCnt())
	path, err := r.parent.FindTempResFileName(nCore.FileName)
	if err != nil {
		return fmt.Errorf("netres: set load %s: %w", nCore.FileName, err)
	}
	r.file = path
	r.standalone = path
	r.dirty = false
	r.tempFile = true
	r.standaloneFailed = false
	r.removed.Store(false)
	r.lastReqTime = time.Now()
	r.loading = true
	r.discoverStart = time.Time{}
	r.clientChunks = make(map[int32]*ChunkMap)
	return nil
}

// SetDerived initializes an anonymous resource on the given artifact path
// with derID as its derivation parent. No chunk data is set up: anonymous
// resources are expected to change until FinishDerive.
func (r *Res) SetDerived(name, filePath string, temp bool, t ResType, derID ResID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core.Set(t, ResIDAnonymous, name, 0, "")
	r.core.SetDerived(derID)
	r.file = filePath
	r.standalone = ""
	r.dirty = false
	r.tempFile = temp
	r.standaloneFailed = false
	r.removed.Store(false)
	r.lastReqTime = time.Now()
	r.loading = false
}

// Derive snapshots the current artifact before a local mutation: this
// resource switches its artifact to a temp copy (or to its existing
// standalone) and registers a new anonymous resource on the original path,
// with this resource as derivation parent. The caller's subsequent writes
// to the original path no longer affect this resource's artifact.
func (r *Res) Derive() (*Res, error) {
	r.mu.Lock()
	if r.loading {
		r.mu.Unlock()
		return nil, fmt.Errorf("netres: cannot derive a loading resource")
	}
	orgFile := r.file
	orgTemp := r.tempFile
	if r.standalone == "" || r.standalone == r.file {
		tmp, err := r.parent.FindTempResFileName(orgFile)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("netres: derive: %w", err)
		}
		if err := CopyItem(orgFile, tmp); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("netres: derive: %w", err)
		}
		r.file = tmp
		if r.standalone != "" {
			r.standalone = tmp
		}
		r.tempFile = true
	} else {
		// a standalone exists: switch to it, the original file is the
		// caller's to mutate from here on
		r.file = r.standalone
		r.tempFile = true
	}
	core := r.core
	r.mu.Unlock()

	logInfo(fmt.Sprintf("deriving from %d:%s", core.ID, core.FileName), "netres:res:derive")
	d := newRes(r.parent)
	d.SetDerived(core.FileName, orgFile, orgTemp, core.Type, core.ID)
	r.parent.Add(d)
	return d, nil
}

// FinishDerive promotes an anonymous resource to a fresh id, rebuilds its
// standalone and broadcasts the derive announcement.
func (r *Res) FinishDerive() error {
	r.mu.Lock()
	if !r.core.ID.IsAnonymous() {
		r.mu.Unlock()
		return fmt.Errorf("netres: finish derive on non-anonymous resource")
	}
	derID := r.core.DerID
	name := r.core.FileName
	file := r.file
	temp := r.tempFile
	id, err := r.parent.NextResID()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.setByFile(file, temp, r.core.Type, id, name); err != nil {
		r.mu.Unlock()
		return err
	}
	if _, err := r.getStandalone(true, false); err != nil {
		r.mu.Unlock()
		return err
	}
	r.core.SetDerived(derID)
	r.dirty = true
	core := r.core
	r.mu.Unlock()

	pkt, err := MkPacket(PktResDerive, core)
	if err != nil {
		return err
	}
	return r.parent.io.BroadcastMsg(pkt)
}

// finishDeriveRemote attaches a received derive core to a local anonymous
// resource with a matching parent. The contents checksum is not verified:
// derivation is synchronized by the enclosing game control flow.
func (r *Res) finishDeriveRemote(nCore Core) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.core.ID.IsAnonymous() || r.core.DerID != nCore.DerID {
		return false
	}
	r.core = nCore
	r.chunks.SetComplete(nCore.ChunkCnt())
	return true
}

// IsBinaryCompatible reports whether the standalone exists and matches
// the core's checksum, the prerequisite for serving chunks to peers.
func (r *Res) IsBinaryCompatible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.standalone != "" {
		return true
	}
	if fi, err := os.Stat(r.file); err == nil && fi.IsDir() {
		// packing now would change creation metadata; never compatible
		return false
	}
	_, err := r.getStandalone(false, false)
	return err == nil
}

// GetStandalone materializes the canonical single-file artifact. With
// setOfficial the computed size and checksum are written into the core;
// otherwise they are verified against it. See standalone.go for rules.
func (r *Res) GetStandalone(setOfficial, allowUnloadable bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getStandalone(setOfficial, allowUnloadable)
}

// SendStatus reports the local chunk map to one peer, or broadcasts it.
// Broadcast clears the dirty flag.
func (r *Res) SendStatus(to Conn) error {
	r.mu.Lock()
	pkt, err := MkPacket(PktResStatus, PacketResStatus{ResID: r.core.ID, Chunks: r.chunks})
	if to == nil {
		r.dirty = false
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if to != nil {
		return to.Send(pkt)
	}
	return r.parent.io.BroadcastMsg(pkt)
}

// SendChunk serializes one chunk of the standalone and sends it over the
// peer's data connection.
func (r *Res) SendChunk(chunk int, toClient int32) error {
	r.mu.Lock()
	if r.standalone == "" || chunk < 0 || chunk >= r.core.ChunkCnt() {
		r.mu.Unlock()
		return fmt.Errorf("netres: no such chunk %d", chunk)
	}
	r.lastReqTime = time.Now()
	var rc ResChunk
	err := rc.readFrom(r, chunk)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	conn := r.parent.io.GetDataConnection(toClient)
	if conn == nil {
		return ErrConnectionClosed
	}
	defer conn.Release()
	pkt, err := MkPacket(PktResData, rc)
	if err != nil {
		return err
	}
	return conn.Send(pkt)
}

// OnDiscover answers a discover from a peer with our status, if we are
// able to serve the resource.
func (r *Res) OnDiscover(by Conn) {
	if !r.IsBinaryCompatible() {
		return
	}
	r.mu.Lock()
	r.lastReqTime = time.Now()
	r.mu.Unlock()
	r.SendStatus(by)
}

// OnStatus records a peer's availability and, if loading, tries to start
// new loads from that peer. A new status replaces any prior map for the
// same peer.
func (r *Res) OnStatus(chunks *ChunkMap, by Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// a source answered: reset the discover timeout
	r.discoverStart = time.Time{}
	if chunks.ChunkCnt() != r.chunks.ChunkCnt() {
		return
	}
	if r.clientChunks == nil {
		r.clientChunks = make(map[int32]*ChunkMap)
	}
	r.clientChunks[by.ClientID()] = chunks.Clone()
	if r.loading {
		r.startLoad(by.ClientID())
	}
}

// OnChunk stores received chunk data. Writes are idempotent: the same
// chunk arriving twice writes the same bytes and leaves the map
// unchanged. On the last chunk the artifact is verified and the resource
// transitions to complete.
func (r *Res) OnChunk(chunk *ResChunk) {
	r.mu.Lock()
	if !r.loading || chunk.ResID != r.core.ID {
		r.mu.Unlock()
		return
	}
	if err := chunk.addTo(r); err != nil {
		logDebug(fmt.Sprintf("could not add chunk %d to %s: %s", chunk.Chunk, r.core.FileName, err), "netres:res:chunk")
	} else {
		r.dirty = true
		// cancel all slots for that chunk; duplicates from other peers
		// will be discarded on arrival
		kept := r.loads[:0]
		for _, ld := range r.loads {
			if ld.chunk != int(chunk.Chunk) {
				kept = append(kept, ld)
			}
		}
		r.loads = kept
	}
	if r.chunks.IsComplete() {
		ok := r.endLoad()
		r.mu.Unlock()
		if ok {
			r.parent.onResComplete(r)
		} else {
			r.Remove()
		}
		return
	}
	r.startNewLoads()
	r.mu.Unlock()
}

// DoLoad is the periodic load tick: it expires stale request slots and
// checks the discover timeout. Returns false when the resource became
// unreachable and should be removed.
func (r *Res) DoLoad() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loading {
		return true
	}
	if len(r.loads) > 0 {
		now := time.Now()
		kept := r.loads[:0]
		for _, ld := range r.loads {
			if !ld.timedOut(now) {
				kept = append(kept, ld)
			}
		}
		removed := len(r.loads) - len(kept)
		r.loads = kept
		if removed > 0 {
			r.startNewLoads()
		}
	} else if !r.discoverStart.IsZero() && time.Since(r.discoverStart) > DiscoverTimeout {
		return false
	}
	return true
}

// NeedsDiscover arms the discover timeout on first call and requests
// inclusion in the next discover broadcast.
func (r *Res) NeedsDiscover() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverStart.IsZero() {
		r.discoverStart = time.Now()
	}
	return true
}

// GetClientProgress returns how much of this resource the given peer
// reported holding.
func (r *Res) GetClientProgress(clientID int32) (present, total int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cm, found := r.clientChunks[clientID]
	if !found {
		return 0, 0, false
	}
	return cm.PresentChunkCnt(), r.chunks.ChunkCnt(), true
}

// startNewLoads fills free request slots, visiting peers with known
// availability in a freshly shuffled order for fairness.
func (r *Res) startNewLoads() {
	if len(r.clientChunks) == 0 {
		return
	}
	clients := make([]int32, 0, len(r.clientChunks))
	for id := range r.clientChunks {
		clients = append(clients, id)
	}
	rand.Shuffle(len(clients), func(i, j int) { clients[i], clients[j] = clients[j], clients[i] })
	dead := make(map[int32]bool)
	for len(r.loads) < MaxLoad {
		started := false
		for _, cid := range clients {
			if dead[cid] {
				continue
			}
			added, drop := r.startLoad(cid)
			if drop {
				dead[cid] = true
				continue
			}
			if added {
				started = true
				break
			}
		}
		if !started {
			break
		}
	}
}

// startLoad tries to request one more chunk from the given peer. drop is
// set when the peer has no usable connection and should be skipped for
// the rest of this pass.
func (r *Res) startLoad(fromClient int32) (added, drop bool) {
	if len(r.loads) >= MaxLoad {
		return false, false
	}
	perPeer := 0
	for _, ld := range r.loads {
		if ld.byClient == fromClient {
			if perPeer++; perPeer >= MaxLoadPerPeerPerFile {
				return false, false
			}
		}
	}
	avail := r.clientChunks[fromClient]
	inFlight := make([]int, 0, len(r.loads))
	for _, ld := range r.loads {
		inFlight = append(inFlight, ld.chunk)
	}
	chunk, ok := r.chunks.PickRetrieval(avail, inFlight)
	if !ok {
		return false, false
	}
	conn := r.parent.io.GetMsgConnection(fromClient)
	if conn == nil {
		return false, true
	}
	defer conn.Release()
	pkt, err := MkPacket(PktResRequest, PacketResRequest{ResID: r.core.ID, Chunk: uint32(chunk)})
	if err != nil {
		return false, true
	}
	if err := conn.Send(pkt); err != nil {
		return false, true
	}
	r.loads = append(r.loads, &resLoad{chunk: chunk, byClient: fromClient, started: time.Now()})
	return true, false
}

// endLoad verifies the completed artifact against the core. Returns
// false on verification failure; the caller removes the resource.
func (r *Res) endLoad() bool {
	r.clearLoad()
	if err := r.verifyStandalone(); err != nil {
		logWarn(fmt.Sprintf("verification of %s failed", r.core.FileName), err, "netres:res:verify")
		return false
	}
	return true
}

func (r *Res) clearLoad() {
	r.loading = false
	r.loads = nil
	r.clientChunks = nil
	r.discoverStart = time.Time{}
}

func (r *Res) verifyStandalone() error {
	fi, err := os.Stat(r.standalone)
	if err != nil {
		return err
	}
	if uint32(fi.Size()) != r.core.FileSize {
		return fmt.Errorf("size %d != %d: %w", fi.Size(), r.core.FileSize, ErrChecksumMismatch)
	}
	crc, err := FileCRC(r.standalone)
	if err != nil {
		return err
	}
	if crc != r.core.FileCRC {
		return fmt.Errorf("crc mismatch: %w", ErrChecksumMismatch)
	}
	return nil
}

// clear deletes owned temp files and resets the entity. Caller holds mu.
func (r *Res) clear() {
	if r.tempFile && r.file != "" {
		if err := os.Remove(r.file); err != nil && !os.IsNotExist(err) {
			logWarn("could not delete temporary resource file", err, "netres:res:clear")
		}
	}
	if r.standalone != "" && r.standalone != r.file {
		if err := os.Remove(r.standalone); err != nil && !os.IsNotExist(err) {
			logWarn("could not delete temporary resource file", err, "netres:res:clear")
		}
	}
	r.file = ""
	r.standalone = ""
	r.dirty = false
	r.tempFile = false
	r.local = false
	r.core.Clear()
	r.chunks = ChunkMap{}
	r.removed.Store(false)
	r.clearLoad()
}

// readFrom fills the chunk with data read from the resource's
// standalone. The caller holds the resource lock.
func (c *ResChunk) readFrom(r *Res, chunk int) error {
	offset := int64(chunk) * int64(r.core.ChunkSize)
	size := int64(r.core.FileSize) - offset
	if size > int64(r.core.ChunkSize) {
		size = int64(r.core.ChunkSize)
	}
	if size < 0 {
		return fmt.Errorf("netres: chunk %d beyond file size %d", chunk, r.core.FileSize)
	}
	f, err := os.Open(r.standalone)
	if err != nil {
		return fmt.Errorf("netres: read chunk: %w", err)
	}
	defer f.Close()
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && size > 0 {
		return fmt.Errorf("netres: read chunk: %w", err)
	}
	c.ResID = r.core.ID
	c.Chunk = uint32(chunk)
	c.Data = buf
	return nil
}

// addTo writes the chunk into the resource's artifact at its offset and
// marks it present. The caller holds the resource lock.
func (c *ResChunk) addTo(r *Res) error {
	if c.ResID != r.core.ID {
		return fmt.Errorf("resource id mismatch: %w", ErrCorrupt)
	}
	offset := int64(c.Chunk) * int64(r.core.ChunkSize)
	if offset+int64(len(c.Data)) > int64(r.core.FileSize) {
		return fmt.Errorf("chunk exceeds file size: %w", ErrCorrupt)
	}
	f, err := os.OpenFile(r.standalone, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("netres: write chunk: %w", err)
	}
	if _, err := f.WriteAt(c.Data, offset); err != nil {
		f.Close()
		return fmt.Errorf("netres: write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("netres: write chunk: %w", err)
	}
	r.chunks.AddChunk(int(c.Chunk))
	return nil
}
