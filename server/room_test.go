package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawworld/persist"
	"clawworld/protocol"
	"clawworld/world"
)

// fakeSink 记录收到的帧；limit>0 时超出即拒收
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	reject bool
	closed bool
}

func (f *fakeSink) Enqueue(fr Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.reject || (f.limit > 0 && len(f.frames) >= f.limit) {
		return false
	}
	f.frames = append(f.frames, fr.Data)
	return true
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events 解码后的所有帧
func (f *fakeSink) events() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, b := range f.frames {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSink) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, e := range f.events() {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSink) types() []string {
	var out []string
	for _, e := range f.events() {
		out = append(out, e["type"].(string))
	}
	return out
}

type fakeSaver struct {
	mu      sync.Mutex
	players []persist.PlayerRecord
	chat    []persist.ChatRecord
}

func (s *fakeSaver) SavePlayer(r persist.PlayerRecord) {
	s.mu.Lock()
	s.players = append(s.players, r)
	s.mu.Unlock()
}

func (s *fakeSaver) AppendChat(r persist.ChatRecord) string {
	s.mu.Lock()
	s.chat = append(s.chat, r)
	s.mu.Unlock()
	return "id"
}

func (s *fakeSaver) saved() []persist.PlayerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persist.PlayerRecord(nil), s.players...)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []persist.JournalEntry
	dropped int64
}

func (j *fakeJournal) Dropped() int64 { return j.dropped }

func (j *fakeJournal) Append(batch []persist.JournalEntry) {
	j.mu.Lock()
	j.entries = append(j.entries, batch...)
	j.mu.Unlock()
}

type roomHarness struct {
	room    *Room
	reg     *Registry
	mon     *Monitor
	store   *world.Store
	saver   *fakeSaver
	journal *fakeJournal
	ctx     context.Context
	cancel  context.CancelFunc
}

// testWorld 20x20 陆地，x=8 一列是水；出生点 (5,5)，老者在 (6,5)，巡逻者在 (15,15)
func testWorld() *world.Store {
	t := world.NewTerrain(20, 20, 0)
	for y := 0; y < 20; y++ {
		t.Set(world.Cell{X: 8, Y: y}, world.FactWater)
	}
	return world.NewStore(t, world.Cell{X: 5, Y: 5}, []world.NPC{
		{ID: "npc_sage", Name: "Old Sage", Behavior: world.BehaviorStationary, Pos: world.Cell{X: 6, Y: 5}, Dialog: "Mind the tide."},
		{ID: "npc_guard", Name: "Guard", Behavior: world.BehaviorPatrol, Pos: world.Cell{X: 15, Y: 15},
			Path: []world.Cell{{X: 17, Y: 15}, {X: 15, Y: 15}}},
	})
}

func testRoomConfig() RoomConfig {
	return RoomConfig{
		LookRadius:     4,
		ChatMaxLen:     50,
		NPCInterval:    time.Hour,
		SweepInterval:  time.Hour,
		IdleTimeout:    time.Minute,
		CommandTimeout: 2 * time.Second,
		Seed:           7,
	}
}

func newRoomHarness(t *testing.T) *roomHarness {
	t.Helper()
	h := newIdleHarness(t, testRoomConfig())
	h.room.Start(h.ctx)
	return h
}

// newIdleHarness 世界循环未启动
func newIdleHarness(t *testing.T, cfg RoomConfig) *roomHarness {
	t.Helper()
	h := &roomHarness{
		reg:     NewRegistry(0),
		mon:     NewMonitor(time.Minute, 250*time.Millisecond),
		store:   testWorld(),
		saver:   &fakeSaver{},
		journal: &fakeJournal{},
	}
	fan := NewBroadcaster(h.reg, h.mon, h.journal)
	h.room = NewRoom(cfg, h.store, h.reg, fan, h.mon)
	h.room.UsePersistence(h.saver, nil)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.cancel()
		if h.room.started.Load() {
			<-h.room.Stopped()
		}
	})
	return h
}

func (h *roomHarness) connect(t *testing.T) (*Conn, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	conn, err := h.reg.Register(sink, ConnMeta{Kind: "ws", RemoteAddr: "127.0.0.1", Subscribed: true})
	require.NoError(t, err)
	return conn, sink
}

func (h *roomHarness) submit(t *testing.T, conn *Conn, cmd protocol.Command) Reply {
	t.Helper()
	rep, err := h.room.Submit(h.ctx, conn.ID, cmd)
	require.NoError(t, err)
	return rep
}

// settle 等世界循环处理完之前的事件（包括扇出）
func (h *roomHarness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.room.Exec(h.ctx, func() {}))
}

func (h *roomHarness) join(t *testing.T, conn *Conn, name string) protocol.Joined {
	t.Helper()
	rep := h.submit(t, conn, protocol.Join{Name: name})
	require.Nil(t, rep.Err)
	j, ok := rep.Event.(protocol.Joined)
	require.True(t, ok, "got %T", rep.Event)
	return j
}

func errCode(rep Reply) string {
	if rep.Err == nil {
		return ""
	}
	return rep.Err.Code
}

func TestRoom_JoinAndNameUniqueness(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	b, bSink := h.connect(t)

	j := h.join(t, a, "Frank")
	assert.Equal(t, protocol.TypeJoined, j.Type)
	assert.Equal(t, 5, j.Player.X)
	assert.Equal(t, defaultSpecies, j.Player.Species)
	assert.Len(t, j.Players, 1)

	rep := h.submit(t, b, protocol.Join{Name: "FRANK"})
	assert.Equal(t, protocol.ErrNameTaken, errCode(rep))
	h.settle(t)
	errs := bSink.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrNameTaken, errs[0]["code"])
	assert.Equal(t, "join", errs[0]["command"])

	// 同名重复加入是幂等的
	again := h.join(t, a, "frank")
	assert.Equal(t, j.Player.ID, again.Player.ID)
	// 已有角色时换名字不允许
	assert.Equal(t, protocol.ErrIntegrity, errCode(h.submit(t, a, protocol.Join{Name: "Other"})))

	legacy := h.submit(t, b, protocol.Join{Name: "Ann", Legacy: true})
	require.Nil(t, legacy.Err)
	assert.Equal(t, protocol.TypeCharacterCreated, legacy.Event.(protocol.Joined).Type)
	assert.Equal(t, int64(2), h.mon.Snapshot().Players)
}

func TestRoom_CommandsRequireJoin(t *testing.T) {
	h := newRoomHarness(t)
	c, _ := h.connect(t)
	for _, cmd := range []protocol.Command{
		protocol.Move{Direction: protocol.North, Steps: 1},
		protocol.Look{},
		protocol.Chat{Text: "hi"},
		protocol.Talk{Target: "npc_sage"},
	} {
		assert.Equal(t, protocol.ErrNotJoined, errCode(h.submit(t, c, cmd)), cmd.Verb())
	}

	rep := h.submit(t, c, protocol.Players{})
	require.Nil(t, rep.Err)
	assert.Equal(t, 0, rep.Event.(protocol.PlayerList).Count)

	rep = h.submit(t, c, protocol.Status{})
	st := rep.Event.(protocol.StatusReply)
	assert.False(t, st.Joined)
	assert.Equal(t, c.ID, st.ConnectionID)

	rep = h.submit(t, c, protocol.Ping{})
	assert.Equal(t, protocol.TypePong, rep.Event.(protocol.Pong).Type)
}

func TestRoom_MoveStopsAtWater(t *testing.T) {
	h := newRoomHarness(t)
	a, aSink := h.connect(t)
	_, obsSink := h.connect(t)
	h.join(t, a, "Frank")

	rep := h.submit(t, a, protocol.Move{Direction: protocol.East, Steps: 5})
	require.Nil(t, rep.Err)
	m := rep.Event.(protocol.Moved)
	assert.Equal(t, 7, m.X)
	assert.Equal(t, 5, m.Y)
	assert.Equal(t, 2, m.Steps)
	assert.Equal(t, 5, m.Requested)
	assert.True(t, m.Blocked)

	// 完全受阻：不产生增量
	rep = h.submit(t, a, protocol.Move{Direction: protocol.East, Steps: 1})
	assert.Equal(t, 0, rep.Event.(protocol.Moved).Steps)
	h.settle(t)

	moves := obsSink.ofType(protocol.TypePlayerMoved)
	require.Len(t, moves, 1)
	assert.Equal(t, float64(7), moves[0]["x"])
	assert.Equal(t, float64(2), moves[0]["steps"])
	assert.Equal(t, "e", moves[0]["direction"])

	// 发送方先收到直接回复，再收到自己的增量
	assert.Equal(t, []string{
		protocol.TypeJoined, protocol.TypePlayerJoined,
		protocol.TypeMoved, protocol.TypePlayerMoved,
		protocol.TypeMoved,
	}, aSink.types())
}

func TestRoom_LookReportsSurroundings(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	h.join(t, a, "Frank")
	h.join(t, b, "Ann")
	h.submit(t, a, protocol.Move{Direction: protocol.East, Steps: 2})

	rep := h.submit(t, a, protocol.Look{})
	require.Nil(t, rep.Err)
	s := rep.Event.(protocol.Surroundings)
	assert.Equal(t, protocol.Position{X: 7, Y: 5}, s.Position)
	assert.Equal(t, 4, s.Radius)
	require.Len(t, s.Players, 1)
	assert.Equal(t, "Ann", s.Players[0].Name)
	require.NotEmpty(t, s.NPCs)
	assert.Equal(t, "npc_sage", s.NPCs[0].ID)
	assert.False(t, s.Exits["e"])
	assert.True(t, s.Exits["w"])
	require.NotEmpty(t, s.Facts)
	assert.Equal(t, []string{"water"}, s.Facts[0].Facts)
	assert.Equal(t, 8, s.Facts[0].X)
}

func TestRoom_Chat(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	_, obsSink := h.connect(t)
	h.join(t, a, "Frank")

	assert.Equal(t, protocol.ErrInvalidChat, errCode(h.submit(t, a, protocol.Chat{Text: "   "})))
	assert.Equal(t, protocol.ErrInvalidChat, errCode(h.submit(t, a, protocol.Chat{Text: strings.Repeat("x", 51)})))

	rep := h.submit(t, a, protocol.Chat{Text: "  hello island "})
	require.Nil(t, rep.Err)
	assert.Equal(t, "hello island", rep.Event.(protocol.ChatSent).Text)
	h.settle(t)

	chats := obsSink.ofType(protocol.TypeChat)
	require.Len(t, chats, 1)
	assert.Equal(t, "Frank", chats[0]["name"])
	assert.Equal(t, "hello island", chats[0]["text"])

	h.saver.mu.Lock()
	defer h.saver.mu.Unlock()
	require.Len(t, h.saver.chat, 1)
	assert.Equal(t, "Frank", h.saver.chat[0].Player)
}

func TestRoom_Talk(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	h.join(t, a, "Frank")

	rep := h.submit(t, a, protocol.Talk{Target: "old sage"})
	require.Nil(t, rep.Err)
	d := rep.Event.(protocol.NPCDialog)
	assert.Equal(t, "npc_sage", d.NPC.ID)
	assert.Equal(t, "Mind the tide.", d.Text)

	// 巡逻者在视野外
	assert.Equal(t, protocol.ErrNotFound, errCode(h.submit(t, a, protocol.Talk{Target: "npc_guard"})))
	assert.Equal(t, protocol.ErrNotFound, errCode(h.submit(t, a, protocol.Talk{Target: "nobody"})))
}

func TestRoom_DisconnectIsIdempotent(t *testing.T) {
	h := newRoomHarness(t)
	a, aSink := h.connect(t)
	_, obsSink := h.connect(t)
	h.join(t, a, "Frank")
	h.submit(t, a, protocol.Move{Direction: protocol.South, Steps: 3})

	rep := h.submit(t, a, protocol.Disconnect{})
	require.Nil(t, rep.Err)
	assert.Equal(t, protocol.TypeLeft, rep.Event.(protocol.Left).Type)
	h.settle(t)

	_, ok := h.reg.Lookup(a.ID)
	assert.False(t, ok)
	assert.True(t, aSink.isClosed())
	left := obsSink.ofType(protocol.TypePlayerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "disconnect", left[0]["reason"])

	// 连接已拆除，再次断开仍然成功
	rep = h.submit(t, a, protocol.Disconnect{})
	assert.Nil(t, rep.Err)
	assert.Equal(t, protocol.TypeLeft, rep.Event.(protocol.Left).Type)
	// 其他命令无处可回
	assert.Equal(t, protocol.ErrTransport, errCode(h.submit(t, a, protocol.Look{})))

	saved := h.saver.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "frank", saved[0].Key)
	assert.Equal(t, 8, saved[0].Y)

	// 重新加入回到上次的位置
	b, _ := h.connect(t)
	j := h.join(t, b, "Frank")
	assert.Equal(t, 5, j.Player.X)
	assert.Equal(t, 8, j.Player.Y)
}

func TestRoom_StaleHolderIsReplaced(t *testing.T) {
	h := newRoomHarness(t)
	a, aSink := h.connect(t)
	b, _ := h.connect(t)
	_, obsSink := h.connect(t)
	h.join(t, a, "Frank")

	a.MarkDegraded()
	j := h.join(t, b, "Frank")
	assert.Equal(t, "Frank", j.Player.Name)
	h.settle(t)

	_, ok := h.reg.Lookup(a.ID)
	assert.False(t, ok)
	assert.True(t, aSink.isClosed())
	left := obsSink.ofType(protocol.TypePlayerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "replaced", left[0]["reason"])
	assert.Equal(t, []string{protocol.TypePlayerJoined, protocol.TypePlayerLeft, protocol.TypePlayerJoined}, obsSink.types())
}

func TestRoom_BroadcastOrderIsGlobal(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	_, obs1 := h.connect(t)
	_, obs2 := h.connect(t)
	h.join(t, a, "Frank")
	h.join(t, b, "Ann")

	var wg sync.WaitGroup
	for _, c := range []*Conn{a, b} {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				dir := protocol.North
				if i%2 == 1 {
					dir = protocol.South
				}
				_, err := h.room.Submit(h.ctx, c.ID, protocol.Move{Direction: dir, Steps: 1})
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()
	h.settle(t)

	seqs := func(s *fakeSink) []float64 {
		var out []float64
		for _, e := range s.events() {
			if seq, ok := e["seq"].(float64); ok {
				out = append(out, seq)
			}
		}
		return out
	}
	s1, s2 := seqs(obs1), seqs(obs2)
	require.Len(t, s1, 42)
	assert.Equal(t, s1, s2)
	for i := 1; i < len(s1); i++ {
		assert.Equal(t, s1[i-1]+1, s1[i])
	}

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	assert.Len(t, h.journal.entries, 42)
}

func TestRoom_SlowConsumerIsEvicted(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	slow := &fakeSink{reject: true}
	sc, err := h.reg.Register(slow, ConnMeta{Kind: "ws", Subscribed: true})
	require.NoError(t, err)

	h.join(t, a, "Frank")
	h.settle(t)

	_, ok := h.reg.Lookup(sc.ID)
	assert.False(t, ok)
	assert.True(t, slow.isClosed())
	snap := h.mon.Snapshot()
	assert.Equal(t, int64(1), snap.Evictions)
	assert.Equal(t, int64(1), snap.DropReasons[dropBackpressure])
	assert.Equal(t, int64(1), snap.CloseReasons["slow consumer"])
}

func TestRoom_DegradedConnIsEvictedOnPublish(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	lc, lagging := h.connect(t)
	lc.MarkDegraded()

	h.join(t, a, "Frank")
	h.settle(t)

	_, ok := h.reg.Lookup(lc.ID)
	assert.False(t, ok)
	assert.True(t, lagging.isClosed())
	assert.Empty(t, lagging.events())
	snap := h.mon.Snapshot()
	assert.Equal(t, int64(1), snap.Evictions)
	assert.Equal(t, int64(1), snap.DropReasons[dropDegraded])
}

func TestRoom_UnsubscribedGetsNoDeltas(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	quiet := &fakeSink{}
	_, err := h.reg.Register(quiet, ConnMeta{Kind: "ws"})
	require.NoError(t, err)

	h.join(t, a, "Frank")
	h.settle(t)
	assert.Empty(t, quiet.events())
}

func TestRoom_TimedOutCommandNeverRuns(t *testing.T) {
	cfg := testRoomConfig()
	cfg.CommandTimeout = 30 * time.Millisecond
	h := newIdleHarness(t, cfg)
	a, _ := h.connect(t)

	_, err := h.room.Submit(h.ctx, a.ID, protocol.Join{Name: "Frank"})
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrTimeout))
	assert.Equal(t, int64(1), h.mon.Snapshot().Timeouts)

	h.room.Start(h.ctx)
	var count int
	require.NoError(t, h.room.Exec(h.ctx, func() { count = h.store.PlayerCount() }))
	assert.Zero(t, count)
}

func TestRoom_NPCTick(t *testing.T) {
	h := newRoomHarness(t)
	_, obs := h.connect(t)

	require.NoError(t, h.room.Exec(h.ctx, h.room.tickNPCs))
	h.settle(t)
	assert.Equal(t, uint64(1), h.room.Tick())

	moved := obs.ofType(protocol.TypeNPCMoved)
	require.Len(t, moved, 1)
	assert.Equal(t, float64(1), moved[0]["tick"])
	npcs := moved[0]["npcs"].([]any)
	require.Len(t, npcs, 1)
	guard := npcs[0].(map[string]any)
	assert.Equal(t, "npc_guard", guard["id"])
	assert.Equal(t, float64(16), guard["x"])
	assert.Equal(t, "patrolling", guard["state"])
}

func TestRoom_SweepDropsIdleConnections(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	_, obs := h.connect(t)
	h.join(t, a, "Frank")
	h.join(t, b, "Ann")

	a.lastSeen.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	b.MarkDegraded()
	require.NoError(t, h.room.Exec(h.ctx, h.room.sweep))
	h.settle(t)

	_, ok := h.reg.Lookup(a.ID)
	assert.False(t, ok)
	_, ok = h.reg.Lookup(b.ID)
	assert.False(t, ok)
	reasons := map[string]bool{}
	for _, e := range obs.ofType(protocol.TypePlayerLeft) {
		reasons[e["reason"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"idle timeout": true, "degraded": true}, reasons)
}

func TestRoom_LeaveFromTransport(t *testing.T) {
	h := newRoomHarness(t)
	a, _ := h.connect(t)
	h.join(t, a, "Frank")

	h.room.Leave(a.ID, "closed by peer")
	h.room.Leave(a.ID, "closed by peer")
	h.settle(t)
	_, ok := h.reg.Lookup(a.ID)
	assert.False(t, ok)
	assert.Equal(t, int64(1), h.mon.Snapshot().CloseReasons["closed by peer"])
	assert.Zero(t, h.mon.Snapshot().Players)
}

func TestRoom_ShutdownSavesPlayers(t *testing.T) {
	h := newRoomHarness(t)
	a, aSink := h.connect(t)
	h.join(t, a, "Frank")

	h.cancel()
	select {
	case <-h.room.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("world loop did not stop")
	}
	assert.True(t, aSink.isClosed())
	assert.Zero(t, h.reg.Len())
	require.Len(t, h.saver.saved(), 1)

	_, err := h.room.Submit(context.Background(), a.ID, protocol.Look{})
	assert.True(t, protocol.IsCode(err, protocol.ErrTransport))
	assert.Error(t, h.room.Exec(context.Background(), func() {}))
}
