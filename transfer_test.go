package netres

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// newTestPeer creates a list wired to the loopback network, with its
// network work dir and search root in temp directories.
func newTestPeer(t *testing.T, n *LoopbackNet, clientID int32) (*List, *LoopbackIO) {
	t.Helper()
	lio := n.Join(clientID)
	cfg := DefaultConfig()
	cfg.NetworkWorkPath = filepath.Join(t.TempDir(), "network")
	cfg.ExePath = t.TempDir()
	l, err := New(lio, clientID, WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lio.SetHandler(l.HandlePacket)
	t.Cleanup(func() { lio.Close() })
	return l, lio
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testFile writes size pseudo-random but deterministic bytes.
func testFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/256)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func isComplete(r *Res) bool {
	present, total := r.Progress()
	return total > 0 && present == total && !r.IsLoading()
}

func TestTwoPeerTransfer(t *testing.T) {
	n := NewLoopbackNet()
	la, _ := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)

	src := testFile(t, t.TempDir(), "data.bin", 25000) // 3 chunks
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "data.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	core := resA.Core()
	if !core.Loadable {
		t.Fatalf("resource not loadable after install")
	}
	if core.ChunkCnt() != 3 {
		t.Fatalf("chunk count = %d, want 3", core.ChunkCnt())
	}
	if core.ID.Client() != 1 {
		t.Fatalf("resource client = %d, want 1", core.ID.Client())
	}

	var completed atomic.Bool
	lb.onComplete = func(r *Res) { completed.Store(true) }
	resB, err := lb.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore: %v", err)
	}
	defer resB.DelRef()
	if !resB.IsLoading() {
		t.Fatalf("expected a loading entity")
	}

	lb.OnTimer() // broadcasts discover
	waitFor(t, 5*time.Second, "transfer completion", func() bool { return isComplete(resB) })
	if !completed.Load() {
		t.Errorf("completion callback not invoked")
	}

	want, err := os.ReadFile(resA.Standalone())
	if err != nil {
		t.Fatalf("read source standalone: %v", err)
	}
	got, err := os.ReadFile(resB.Standalone())
	if err != nil {
		t.Fatalf("read loaded standalone: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("loaded artifact differs from source (%d vs %d bytes)", len(got), len(want))
	}
	if gotCore := resB.Core(); gotCore != core {
		t.Errorf("loaded core differs from announcement")
	}
}

func TestThreePeerParallelLoad(t *testing.T) {
	n := NewLoopbackNet()
	la, _ := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)
	lc, _ := newTestPeer(t, n, 3)

	src := testFile(t, t.TempDir(), "big.bin", 210000) // 21 chunks
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "big.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	core := resA.Core()

	// C fetches the full resource first so B has two sources
	resC, err := lc.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore(C): %v", err)
	}
	defer resC.DelRef()
	lc.OnTimer()
	waitFor(t, 5*time.Second, "C transfer completion", func() bool { return isComplete(resC) })

	resB, err := lb.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore(B): %v", err)
	}
	defer resB.DelRef()
	lb.OnTimer()

	// the caps must hold at every moment of the transfer
	deadline := time.Now().Add(10 * time.Second)
	for !isComplete(resB) {
		if time.Now().After(deadline) {
			t.Fatalf("transfer did not complete")
		}
		resB.mu.Lock()
		perPeer := make(map[int32]int)
		for _, ld := range resB.loads {
			perPeer[ld.byClient]++
		}
		total := len(resB.loads)
		resB.mu.Unlock()
		if total > MaxLoad {
			t.Fatalf("outstanding loads %d > MaxLoad", total)
		}
		for client, cnt := range perPeer {
			if cnt > MaxLoadPerPeerPerFile {
				t.Fatalf("client %d has %d concurrent loads", client, cnt)
			}
		}
		time.Sleep(time.Millisecond)
	}

	got, err := os.ReadFile(resB.Standalone())
	if err != nil {
		t.Fatalf("read loaded standalone: %v", err)
	}
	want, _ := os.ReadFile(resA.Standalone())
	if !bytes.Equal(want, got) {
		t.Fatalf("loaded artifact differs from source")
	}
}

func TestLoadTimeoutFailover(t *testing.T) {
	n := NewLoopbackNet()
	la, lioA := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)
	lc, _ := newTestPeer(t, n, 3)

	// once stalled, A no longer answers chunk requests, so the requests B
	// sends to A stay in flight until A is dropped
	var stallA atomic.Bool
	lioA.SetHandler(func(kind PacketKind, payload []byte, conn Conn) {
		if kind == PktResRequest && stallA.Load() {
			return
		}
		la.HandlePacket(kind, payload, conn)
	})

	src := testFile(t, t.TempDir(), "fo.bin", 210000)
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "fo.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	core := resA.Core()

	resC, err := lc.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore(C): %v", err)
	}
	defer resC.DelRef()
	lc.OnTimer()
	waitFor(t, 5*time.Second, "C transfer completion", func() bool { return isComplete(resC) })

	resB, err := lb.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore(B): %v", err)
	}
	defer resB.DelRef()
	stallA.Store(true)
	lb.OnTimer()
	waitFor(t, 5*time.Second, "first requests in flight", func() bool {
		resB.mu.Lock()
		defer resB.mu.Unlock()
		return len(resB.loads) > 0
	})

	// peer A goes away mid-transfer; its slots expire and the pending
	// chunks are re-requested from C
	n.Drop(1)
	resB.mu.Lock()
	for _, ld := range resB.loads {
		ld.started = time.Now().Add(-2 * LoadTimeout)
	}
	resB.mu.Unlock()
	lb.OnTimer()

	waitFor(t, 10*time.Second, "failover completion", func() bool {
		lb.OnTimer()
		return isComplete(resB)
	})
	got, err := os.ReadFile(resB.Standalone())
	if err != nil {
		t.Fatalf("read loaded standalone: %v", err)
	}
	want, _ := os.ReadFile(resA.Standalone())
	if !bytes.Equal(want, got) {
		t.Fatalf("loaded artifact differs from source")
	}
}

func TestDerivation(t *testing.T) {
	n := NewLoopbackNet()
	la, _ := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)

	dir := t.TempDir()
	src := testFile(t, dir, "dynamic.bin", 15000)
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "dynamic.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	core := resA.Core()
	parentID := core.ID

	// B holds the pre-derivation content already
	resB, err := lb.AddByCore(core, true)
	if err != nil {
		t.Fatalf("AddByCore: %v", err)
	}
	defer resB.DelRef()
	lb.OnTimer()
	waitFor(t, 5*time.Second, "B transfer completion", func() bool { return isComplete(resB) })

	// both sides snapshot before the mutation
	dA, err := resA.Derive()
	if err != nil {
		t.Fatalf("Derive(A): %v", err)
	}
	if !dA.IsAnonymous() {
		t.Fatalf("derived resource is not anonymous")
	}
	dB, err := resB.Derive()
	if err != nil {
		t.Fatalf("Derive(B): %v", err)
	}
	if dB.Core().DerID != parentID {
		t.Fatalf("derived parent = %v, want %v", dB.Core().DerID, parentID)
	}

	// mutate A's artifact, then promote and announce
	if err := os.WriteFile(src, bytes.Repeat([]byte{0x42}, 16000), 0644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := dA.FinishDerive(); err != nil {
		t.Fatalf("FinishDerive: %v", err)
	}
	newCore := dA.Core()
	if newCore.ID.IsAnonymous() || newCore.DerID != parentID {
		t.Fatalf("promoted core = %+v", newCore)
	}

	// B attaches the announced core to its anonymous entity; no chunk
	// transfer happens because B has the pre-derivation bytes
	waitFor(t, 5*time.Second, "derive attach", func() bool { return !dB.IsAnonymous() })
	if dB.Core().ID != newCore.ID {
		t.Fatalf("attached id = %v, want %v", dB.Core().ID, newCore.ID)
	}
	if present, total := dB.Progress(); present != total {
		t.Fatalf("derived entity not complete: %d/%d", present, total)
	}
}

func TestOversizeRejection(t *testing.T) {
	n := NewLoopbackNet()
	lio := n.Join(1)
	cfg := DefaultConfig()
	cfg.NetworkWorkPath = filepath.Join(t.TempDir(), "network")
	cfg.ExePath = t.TempDir()
	cfg.MaxLoadFileSize = 1000
	la, err := New(lio, 1, WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lio.SetHandler(la.HandlePacket)
	t.Cleanup(func() { lio.Close() })
	lb, _ := newTestPeer(t, n, 2)

	dir := filepath.Join(t.TempDir(), "huge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	testFile(t, dir, "blob.bin", 5000)

	resA, err := la.AddByFile(dir, false, ResScenario, ResIDNone, "huge", true)
	if err != nil {
		t.Fatalf("AddByFile with allowUnloadable: %v", err)
	}
	defer resA.DelRef()
	core := resA.Core()
	if core.Loadable {
		t.Fatalf("oversize resource marked loadable")
	}

	// the announcement still goes out; the peer refuses to load it
	if _, err := lb.AddByCore(core, true); err != ErrNotLoadable {
		t.Fatalf("AddByCore = %v, want ErrNotLoadable", err)
	}
}

func TestClientProgress(t *testing.T) {
	n := NewLoopbackNet()
	la, _ := newTestPeer(t, n, 1)
	lb, _ := newTestPeer(t, n, 2)

	if p := la.GetClientProgress(2); p != 100 {
		t.Fatalf("progress with no resources = %d, want 100", p)
	}

	src := testFile(t, t.TempDir(), "p.bin", 25000)
	resA, err := la.AddByFile(src, false, ResDynamic, ResIDNone, "p.bin", false)
	if err != nil {
		t.Fatalf("AddByFile: %v", err)
	}
	defer resA.DelRef()
	resB, err := lb.AddByCore(resA.Core(), true)
	if err != nil {
		t.Fatalf("AddByCore: %v", err)
	}
	defer resB.DelRef()
	lb.OnTimer()
	waitFor(t, 5*time.Second, "B transfer completion", func() bool { return isComplete(resB) })

	// B's status broadcasts told A how far B got
	lb.OnTimer()
	waitFor(t, 5*time.Second, "A sees B complete", func() bool { return la.GetClientProgress(2) == 100 })
}
