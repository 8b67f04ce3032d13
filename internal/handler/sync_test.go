package handler

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"whiteboard-backend/internal/event"
	"whiteboard-backend/internal/presence"
	"whiteboard-backend/internal/registry"
	"whiteboard-backend/internal/store"
)

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

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

type noopSessions struct{}

func (noopSessions) UpsertActiveSession(roomID, connID string, userID int64, userName string) error {
	return nil
}
func (noopSessions) TouchActiveSession(connID string) error  { return nil }
func (noopSessions) RemoveActiveSession(connID string) error { return nil }
func (noopSessions) RemoveStaleActiveSessions(threshold time.Duration) ([]string, error) {
	return nil, nil
}

// testGateway wires a gateway around in-memory fakes. The persistence bridge
// is left nil; tests below never touch paths that reach it.
func testGateway(t *testing.T) (*BoardWSHandler, *registry.Registry) {
	t.Helper()
	reg := registry.New(0)
	tasks := store.NewTaskQueue(64, 1)
	t.Cleanup(tasks.Close)
	pres := presence.NewManager(reg, noopSessions{}, tasks, nil, time.Minute, time.Minute)
	return NewBoardWSHandler(reg, pres, nil, tasks, nil), reg
}

// joinDirect registers a connection in a room without the durable access
// check, mirroring what joinRoom does after validation passes.
func joinDirect(room *registry.Room, connID string, userID int64) (*connState, *fakeConn) {
	conn := &fakeConn{}
	p := &registry.Participant{
		ConnID:   connID,
		UserID:   userID,
		UserName: "user-" + connID,
		RoomID:   room.ID,
		Conn:     conn,
	}
	room.Join(p)
	cs := &connState{
		connID:      connID,
		userID:      userID,
		nickname:    p.UserName,
		room:        room,
		participant: p,
	}
	return cs, conn
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDispatchDrawBroadcastsToPeers(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, origin := joinDirect(room, "a", 1)
	_, peer := joinDirect(room, "b", 2)

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "room-1", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))

	if origin.count() != 0 {
		t.Errorf("origin received %d frames, want 0 (no echo)", origin.count())
	}
	if peer.count() != 1 {
		t.Fatalf("peer received %d frames, want 1", peer.count())
	}
	if room.CacheLen() != 1 {
		t.Errorf("CacheLen = %d, want 1", room.CacheLen())
	}
}

func TestDispatchMalformedFrameDroppedSilently(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, origin := joinDirect(room, "a", 1)
	_, peer := joinDirect(room, "b", 2)

	h.dispatch(cs, []byte(`{"type": "draw"`))
	h.dispatch(cs, []byte(`{"type": "draw", "roomId": "room-1"}`)) // 필수 필드 누락

	if origin.count() != 0 || peer.count() != 0 {
		t.Error("invalid frames must not produce any broadcast or error reply")
	}
	if room.CacheLen() != 0 {
		t.Error("invalid frames must not be cached")
	}
}

func TestDispatchRequiresRoom(t *testing.T) {
	h, _ := testGateway(t)

	// 아직 어느 룸에도 입장하지 않은 연결
	conn := &fakeConn{}
	cs := &connState{
		connID:      "a",
		userID:      1,
		nickname:    "a",
		participant: &registry.Participant{ConnID: "a", Conn: conn},
	}

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "room-1", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))

	var ev event.ErrorEvent
	if err := json.Unmarshal(conn.last(), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != event.TypeError {
		t.Errorf("Type = %q, want error", ev.Type)
	}
}

func TestDispatchWrongRoomRejected(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, conn := joinDirect(room, "a", 1)

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "other-room", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))

	var ev event.ErrorEvent
	if err := json.Unmarshal(conn.last(), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != event.TypeError {
		t.Errorf("expected error event, got %q", ev.Type)
	}
	if room.CacheLen() != 0 {
		t.Error("op for another room must not be cached here")
	}
}

func TestRequestSyncFansOutTagged(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	late, lateConn := joinDirect(room, "late", 1)
	_, peer1 := joinDirect(room, "p1", 2)
	_, peer2 := joinDirect(room, "p2", 3)

	h.dispatch(late, marshal(t, event.Operation{Type: event.TypeRequestSync, RoomID: "room-1"}))

	if lateConn.count() != 0 {
		t.Error("requester must not receive its own request-sync")
	}
	for _, conn := range []*fakeConn{peer1, peer2} {
		if conn.count() != 1 {
			t.Fatalf("peer received %d frames, want 1", conn.count())
		}
		var op event.Operation
		if err := json.Unmarshal(conn.last(), &op); err != nil {
			t.Fatal(err)
		}
		if op.Type != event.TypeRequestSync {
			t.Errorf("Type = %q, want request-sync", op.Type)
		}
		if op.Target != "late" {
			t.Errorf("Target = %q, want requester conn id", op.Target)
		}
	}
}

func TestLoadSnapshotFirstReplyWins(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	_, lateConn := joinDirect(room, "late", 1)
	p1, p1Conn := joinDirect(room, "p1", 2)
	p2, p2Conn := joinDirect(room, "p2", 3)

	// p1, p2가 모두 응답하지만 첫 응답만 전달된다
	reply := event.Operation{
		Type: event.TypeLoadSnapshot, RoomID: "room-1",
		Img: "data:image/png;base64,AAAA", Target: "late",
	}
	h.dispatch(p1, marshal(t, reply))
	h.dispatch(p2, marshal(t, reply))

	if lateConn.count() != 1 {
		t.Fatalf("late joiner received %d snapshots, want 1", lateConn.count())
	}
	var op event.Operation
	if err := json.Unmarshal(lateConn.last(), &op); err != nil {
		t.Fatal(err)
	}
	if op.Type != event.TypeLoadSnapshot {
		t.Errorf("Type = %q", op.Type)
	}
	if op.Target != "" {
		t.Errorf("Target = %q, want blanked before relay", op.Target)
	}
	if p1Conn.count() != 0 || p2Conn.count() != 0 {
		t.Error("snapshot replies must not be broadcast to other peers")
	}
}

func TestLoadSnapshotWithoutTargetDropped(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	_, lateConn := joinDirect(room, "late", 1)
	p1, _ := joinDirect(room, "p1", 2)

	h.dispatch(p1, marshal(t, event.Operation{
		Type: event.TypeLoadSnapshot, RoomID: "room-1",
		Img: "data:image/png;base64,AAAA",
	}))

	if lateConn.count() != 0 {
		t.Error("untargeted snapshot reply must be dropped")
	}
}

func TestBoardClearedEmptiesCacheAndBroadcasts(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, _ := joinDirect(room, "a", 1)
	_, peer := joinDirect(room, "b", 2)

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "room-1", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))
	if room.CacheLen() != 1 {
		t.Fatal("expected one cached op before clear")
	}

	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeBoardCleared, RoomID: "room-1"}))

	if room.CacheLen() != 0 {
		t.Errorf("CacheLen after board-cleared = %d, want 0", room.CacheLen())
	}
	// draw + board-cleared
	if peer.count() != 2 {
		t.Errorf("peer received %d frames, want 2", peer.count())
	}

	// 멱등성: 한 번 더 와도 무해하다
	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeBoardCleared, RoomID: "room-1"}))
	if room.CacheLen() != 0 {
		t.Error("repeated board-cleared must stay empty")
	}
}

func TestBoardSavedEmptiesCache(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, _ := joinDirect(room, "a", 1)

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "room-1", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))

	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeBoardSaved, RoomID: "room-1"}))

	if room.CacheLen() != 0 {
		t.Errorf("CacheLen after board-saved = %d, want 0", room.CacheLen())
	}
}

func TestFillOnEmptyCanvasCachedOnce(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, _ := joinDirect(room, "a", 1)
	_, peer := joinDirect(room, "b", 2)

	x, y := 400.0, 300.0
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeFill, RoomID: "room-1", X: &x, Y: &y, Color: "#00ff00",
	}))

	if room.CacheLen() != 1 {
		t.Errorf("CacheLen = %d, want exactly 1 fill op", room.CacheLen())
	}
	if peer.count() != 1 {
		t.Errorf("peer received %d frames, want 1", peer.count())
	}

	ops := room.CacheSnapshot()
	if ops[0].Type != event.TypeFill {
		t.Errorf("cached op = %q, want fill", ops[0].Type)
	}
}

func TestLeaveCurrentRoomRemovesEmptyRoom(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, _ := joinDirect(room, "a", 1)
	h.leaveCurrentRoom(cs)

	if cs.room != nil || cs.participant != nil {
		t.Error("connState should be detached after leave")
	}
	if reg.Get("room-1") != nil {
		t.Error("empty room with empty cache should be removed")
	}
}

type fakeAccess struct {
	membership *store.Membership
	err        error
}

func (f *fakeAccess) LoadMembership(roomID string) (*store.Membership, error) {
	return f.membership, f.err
}

func TestJoinRoomDeniedForNonMember(t *testing.T) {
	h, reg := testGateway(t)
	h.access = &fakeAccess{membership: &store.Membership{BoardID: 1, OwnerID: 7, Members: []int64{8}}}

	conn := &fakeConn{}
	cs := &connState{connID: "a", userID: 99, nickname: "outsider", conn: conn}

	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeJoin, RoomID: "room-1"}))

	if cs.room != nil || cs.participant != nil {
		t.Fatal("denied join must not register the connection")
	}
	if reg.Get("room-1") != nil {
		t.Error("denied join must not create the room")
	}
	var ev event.ErrorEvent
	if err := json.Unmarshal(conn.last(), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != event.TypeError {
		t.Errorf("Type = %q, want error", ev.Type)
	}
}

func TestJoinRoomAllowedForMember(t *testing.T) {
	h, reg := testGateway(t)
	h.access = &fakeAccess{membership: &store.Membership{BoardID: 1, OwnerID: 7, Members: []int64{8}}}

	conn := &fakeConn{}
	cs := &connState{connID: "a", userID: 8, nickname: "member", conn: conn}

	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeJoin, RoomID: "room-1"}))

	if cs.room == nil || cs.room.ID != "room-1" {
		t.Fatal("member join must register the connection")
	}
	if reg.Get("room-1") == nil {
		t.Error("room should exist after a member joins")
	}
}

func TestSendErrorEscapesClientInput(t *testing.T) {
	h, _ := testGateway(t)

	// 입장 전 연결: 에러 프레임이 participant를 거치지 않고 쓰인다
	conn := &fakeConn{}
	cs := &connState{connID: "a", userID: 1, nickname: "a", conn: conn}

	h.dispatch(cs, marshal(t, event.Operation{Type: event.TypeLeave, RoomID: `x","evil":"y`}))

	var ev event.ErrorEvent
	if err := json.Unmarshal(conn.last(), &ev); err != nil {
		t.Fatalf("error frame is not valid JSON: %v", err)
	}
	if want := `not in room x","evil":"y`; ev.Message != want {
		t.Errorf("Message = %q, want %q", ev.Message, want)
	}

	var raw map[string]any
	if err := json.Unmarshal(conn.last(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["evil"]; ok {
		t.Error("room id must not inject fields into the error frame")
	}
}

func TestTruncateChatKeepsRuneBoundary(t *testing.T) {
	short := "hello"
	if got := truncateChat(short); got != short {
		t.Errorf("truncateChat(%q) = %q, want unchanged", short, got)
	}

	ascii := strings.Repeat("a", maxChatLength+1)
	if got := truncateChat(ascii); len(got) != maxChatLength {
		t.Errorf("len = %d, want %d", len(got), maxChatLength)
	}

	// 3바이트 문자가 경계에 걸치면 문자 전체가 잘려 나가야 한다
	straddle := strings.Repeat("a", maxChatLength-1) + "한"
	got := truncateChat(straddle)
	if !utf8.ValidString(got) {
		t.Errorf("truncated message is not valid UTF-8: % x", got[len(got)-4:])
	}
	if len(got) != maxChatLength-1 {
		t.Errorf("len = %d, want %d", len(got), maxChatLength-1)
	}
}

func TestLeaveKeepsRoomWithCache(t *testing.T) {
	h, reg := testGateway(t)
	room := reg.GetOrCreate("room-1")

	cs, _ := joinDirect(room, "a", 1)

	from := event.Point{X: 1, Y: 2}
	to := event.Point{X: 3, Y: 4}
	h.dispatch(cs, marshal(t, event.Operation{
		Type: event.TypeDraw, RoomID: "room-1", Tool: "pen",
		From: &from, To: &to, Color: "#000", StrokeWidth: 2,
	}))

	h.leaveCurrentRoom(cs)

	// 캐시가 남아 있으면 룸은 유지된다 (마지막 저장 후 변경분 보존)
	if reg.Get("room-1") == nil {
		t.Error("room with unsaved cache must survive the last leave")
	}
}
