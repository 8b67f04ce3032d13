package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"whiteboard-backend/internal/event"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func newParticipant(connID string) (*Participant, *fakeConn) {
	conn := &fakeConn{}
	return &Participant{
		ConnID:   connID,
		UserID:   1,
		UserName: "user-" + connID,
		Conn:     conn,
	}, conn
}

func drawOp(roomID string, n int) *event.Operation {
	from := event.Point{X: float64(n), Y: 0}
	to := event.Point{X: float64(n), Y: 10}
	return &event.Operation{
		Type: event.TypeDraw, RoomID: roomID, Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	reg := New(0)

	a := reg.GetOrCreate("room-1")
	b := reg.GetOrCreate("room-1")
	if a != b {
		t.Error("GetOrCreate should return the same room instance")
	}
	if reg.RoomCount() != 1 {
		t.Errorf("RoomCount = %d, want 1", reg.RoomCount())
	}
}

func TestApplyExcludesOrigin(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p1, c1 := newParticipant("a")
	p2, c2 := newParticipant("b")
	room.Join(p1)
	room.Join(p2)

	room.Apply(drawOp("room-1", 1), "a")

	if c1.count() != 0 {
		t.Errorf("origin received %d frames, want 0", c1.count())
	}
	if c2.count() != 1 {
		t.Errorf("peer received %d frames, want 1", c2.count())
	}
}

func TestApplyCachesOnlyCacheable(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	room.Apply(drawOp("room-1", 1), "")
	room.Apply(&event.Operation{Type: event.TypeRequestSync, RoomID: "room-1"}, "")

	if room.CacheLen() != 1 {
		t.Errorf("CacheLen = %d, want 1 (control messages are not cached)", room.CacheLen())
	}
}

func TestBroadcastOrderPreserved(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p, conn := newParticipant("watcher")
	room.Join(p)

	const n = 50
	for i := 0; i < n; i++ {
		room.Apply(drawOp("room-1", i), "origin")
	}

	if conn.count() != n {
		t.Fatalf("received %d frames, want %d", conn.count(), n)
	}
	for i := 0; i < n; i++ {
		var op event.Operation
		if err := json.Unmarshal(conn.frame(i), &op); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if op.From.X != float64(i) {
			t.Fatalf("frame %d out of order: got seq %v", i, op.From.X)
		}
	}
}

func TestJoinDeliversReplayBatch(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	for i := 0; i < 3; i++ {
		room.Apply(drawOp("room-1", i), "")
	}

	p, conn := newParticipant("late")
	room.Join(p)

	if conn.count() != 1 {
		t.Fatalf("late joiner received %d frames, want 1 batch", conn.count())
	}

	var cs event.CanvasState
	if err := json.Unmarshal(conn.frame(0), &cs); err != nil {
		t.Fatalf("unmarshal canvas-state: %v", err)
	}
	if cs.Type != event.TypeCanvasState {
		t.Errorf("Type = %q, want %q", cs.Type, event.TypeCanvasState)
	}
	if len(cs.Operations) != 3 {
		t.Errorf("batch size = %d, want 3", len(cs.Operations))
	}
	for i, op := range cs.Operations {
		if op.From.X != float64(i) {
			t.Errorf("batch op %d out of order: seq %v", i, op.From.X)
		}
	}
}

func TestJoinEmptyRoomNoBatch(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p, conn := newParticipant("first")
	room.Join(p)

	if conn.count() != 0 {
		t.Errorf("first joiner received %d frames, want 0", conn.count())
	}
}

func TestReplayThenLiveNoGapNoDuplicate(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	for i := 0; i < 5; i++ {
		room.Apply(drawOp("room-1", i), "")
	}

	p, conn := newParticipant("late")
	room.Join(p)

	for i := 5; i < 10; i++ {
		room.Apply(drawOp("room-1", i), "")
	}

	// frame 0 = replay batch of ops 0..4, frames 1..5 = live ops 5..9
	if conn.count() != 6 {
		t.Fatalf("received %d frames, want 6", conn.count())
	}

	var cs event.CanvasState
	if err := json.Unmarshal(conn.frame(0), &cs); err != nil {
		t.Fatal(err)
	}
	seen := make(map[float64]bool)
	for _, op := range cs.Operations {
		seen[op.From.X] = true
	}
	for i := 1; i < 6; i++ {
		var op event.Operation
		if err := json.Unmarshal(conn.frame(i), &op); err != nil {
			t.Fatal(err)
		}
		if seen[op.From.X] {
			t.Fatalf("op %v delivered in both replay and live stream", op.From.X)
		}
		seen[op.From.X] = true
	}
	if len(seen) != 10 {
		t.Errorf("distinct ops seen = %d, want 10", len(seen))
	}
}

func TestClearIdempotent(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	room.Apply(drawOp("room-1", 1), "")
	reg.Clear("room-1")
	if room.CacheLen() != 0 {
		t.Errorf("CacheLen after clear = %d, want 0", room.CacheLen())
	}

	// 두 번째 clear와 없는 방 clear 모두 조용히 지나가야 한다
	reg.Clear("room-1")
	reg.Clear("no-such-room")
}

func TestRemoveOnlyWhenEmpty(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p, _ := newParticipant("a")
	room.Join(p)

	reg.Remove("room-1")
	if reg.Get("room-1") == nil {
		t.Fatal("room with participants must not be removed")
	}

	room.Leave("a")
	reg.Remove("room-1")
	if reg.Get("room-1") != nil {
		t.Error("empty room should be removed")
	}
}

func TestCacheWarningFiresOnce(t *testing.T) {
	reg := New(5)
	var warnings []int
	reg.OnCacheWarning = func(roomID string, size int) {
		warnings = append(warnings, size)
	}
	room := reg.GetOrCreate("room-1")

	for i := 0; i < 10; i++ {
		room.Apply(drawOp("room-1", i), "")
	}
	if len(warnings) != 1 {
		t.Fatalf("warning fired %d times, want 1", len(warnings))
	}
	if warnings[0] != 6 {
		t.Errorf("warning at size %d, want 6", warnings[0])
	}

	// clear 후 다시 넘으면 새 경고가 난다
	reg.Clear("room-1")
	for i := 0; i < 10; i++ {
		room.Apply(drawOp("room-1", i), "")
	}
	if len(warnings) != 2 {
		t.Errorf("warning fired %d times after clear, want 2", len(warnings))
	}
}

func TestClaimSnapshotFirstReplyWins(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p, _ := newParticipant("late")
	room.Join(p)

	if !room.ClaimSnapshot("late") {
		t.Fatal("first claim should win")
	}
	if room.ClaimSnapshot("late") {
		t.Error("second claim should be rejected")
	}
	if room.ClaimSnapshot("unknown") {
		t.Error("claim for unknown participant should be rejected")
	}
}

func TestSendToTargetsOneParticipant(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p1, c1 := newParticipant("a")
	p2, c2 := newParticipant("b")
	room.Join(p1)
	room.Join(p2)

	if !room.SendTo("a", event.NewRoomInfo("room-1", 2)) {
		t.Fatal("SendTo known participant should succeed")
	}
	if c1.count() != 1 || c2.count() != 0 {
		t.Errorf("frames: a=%d b=%d, want a=1 b=0", c1.count(), c2.count())
	}
	if room.SendTo("missing", event.NewRoomInfo("room-1", 2)) {
		t.Error("SendTo unknown participant should report false")
	}
}

func TestConcurrentApplySafe(t *testing.T) {
	reg := New(0)
	room := reg.GetOrCreate("room-1")

	p, conn := newParticipant("watcher")
	room.Join(p)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				room.Apply(drawOp("room-1", w*perWriter+i), fmt.Sprintf("writer-%d", w))
			}
		}(w)
	}
	wg.Wait()

	if got := conn.count(); got != writers*perWriter {
		t.Errorf("frames = %d, want %d", got, writers*perWriter)
	}
	if got := room.CacheLen(); got != writers*perWriter {
		t.Errorf("CacheLen = %d, want %d", got, writers*perWriter)
	}
}
