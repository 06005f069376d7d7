package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawworld/config"
	"clawworld/protocol"
	"clawworld/world"
)

type wsHarness struct {
	srv *Server
	ts  *httptest.Server
	url string
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.World.Width, cfg.World.Height = 40, 40
	cfg.World.Spawn = [2]int{20, 20}
	cfg.NPCs = nil
	cfg.Connections.RatePerMinute = 600000
	cfg.Connections.RateBurst = 10000
	cfg.Connections.ConnectPerMin = 60000
	cfg.Connections.SendQueue = 4096
	cfg.Tick.NPCIntervalMs = 60000
	return cfg
}

func newWSHarness(t *testing.T, cfg config.Config) *wsHarness {
	t.Helper()
	store := world.NewStore(world.NewTerrain(cfg.World.Width, cfg.World.Height, 0),
		world.Cell{X: cfg.World.Spawn[0], Y: cfg.World.Spawn[1]}, nil)
	srv := New(Options{Config: cfg, Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/bot", srv.HandleBot)
	mux.HandleFunc("/metrics", srv.HandleMetrics)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		<-srv.Room().Stopped()
		ts.Close()
	})
	return &wsHarness{srv: srv, ts: ts, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (h *wsHarness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntil 读到指定 type 的消息为止，跳过广播
func readUntil(t *testing.T, ws *websocket.Conn, types ...string) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		for _, typ := range types {
			if m["type"] == typ {
				return m
			}
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "unexpected error: %v", err)
		return ce.Code
	}
}

func TestWS_CreateCharacterThenLook(t *testing.T) {
	h := newWSHarness(t, testConfig())
	ws := h.dial(t, "/ws")

	welcome := readUntil(t, ws, protocol.TypeWelcome)
	assert.NotEmpty(t, welcome["connectionId"])
	assert.Equal(t, protocol.Version, welcome["protocol"])

	send(t, ws, `CREATE_CHARACTER {"name":"Frank","species":"crab"}`)
	created := readUntil(t, ws, protocol.TypeCharacterCreated, protocol.TypeError)
	require.Equal(t, protocol.TypeCharacterCreated, created["type"])
	player := created["player"].(map[string]any)
	assert.Equal(t, "Frank", player["name"])
	assert.Equal(t, "crab", player["species"])

	send(t, ws, "LOOK")
	look := readUntil(t, ws, protocol.TypeSurroundings, protocol.TypeError)
	require.Equal(t, protocol.TypeSurroundings, look["type"])
	assert.Equal(t, map[string]any{"x": float64(20), "y": float64(20)}, look["position"])
	exits := look["exits"].(map[string]any)
	assert.Equal(t, true, exits["n"])
}

func TestWS_ParseErrorKeepsConnection(t *testing.T) {
	h := newWSHarness(t, testConfig())
	ws := h.dial(t, "/ws")
	readUntil(t, ws, protocol.TypeWelcome)

	send(t, ws, "FOO bar")
	e := readUntil(t, ws, protocol.TypeError)
	assert.Equal(t, protocol.ErrParse, e["code"])

	send(t, ws, "MOVE n")
	e = readUntil(t, ws, protocol.TypeError)
	assert.Equal(t, protocol.ErrNotJoined, e["code"])
	assert.Equal(t, "move", e["command"])

	send(t, ws, `{"command":"players"}`)
	list := readUntil(t, ws, protocol.TypePlayers)
	assert.Equal(t, float64(0), list["count"])
	assert.Equal(t, int64(1), h.srv.Monitor().Snapshot().ParseErrors)
}

func TestWS_RateLimitedReplies(t *testing.T) {
	cfg := testConfig()
	cfg.Connections.RatePerMinute = 1
	cfg.Connections.RateBurst = 1
	h := newWSHarness(t, cfg)
	ws := h.dial(t, "/ws")
	readUntil(t, ws, protocol.TypeWelcome)

	send(t, ws, `{"command":"ping"}`)
	readUntil(t, ws, protocol.TypePong)
	send(t, ws, `{"command":"ping"}`)
	e := readUntil(t, ws, protocol.TypeError)
	assert.Equal(t, protocol.ErrRateLimited, e["code"])
}

func TestWS_InvalidBotKeyClosesWith4001(t *testing.T) {
	cfg := testConfig()
	cfg.Connections.BotKeys = []string{"secret"}
	h := newWSHarness(t, cfg)

	ws := h.dial(t, "/bot")
	assert.Equal(t, CloseInvalidKey, closeCode(t, ws))

	ws = h.dial(t, "/bot?key=wrong")
	assert.Equal(t, CloseInvalidKey, closeCode(t, ws))

	ok := h.dial(t, "/bot?key=secret")
	readUntil(t, ok, protocol.TypeWelcome)

	// 玩家端点不要求 key
	player := h.dial(t, "/ws")
	readUntil(t, player, protocol.TypeWelcome)
	assert.Equal(t, int64(2), h.srv.Monitor().Snapshot().Rejects["invalid_key"])
}

func TestWS_ServerFullClosesWith4003(t *testing.T) {
	cfg := testConfig()
	cfg.Connections.Max = 1
	h := newWSHarness(t, cfg)

	first := h.dial(t, "/ws")
	readUntil(t, first, protocol.TypeWelcome)
	second := h.dial(t, "/ws")
	assert.Equal(t, CloseServerFull, closeCode(t, second))
}

func TestWS_ConcurrentMovesAllSucceed(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	const clients, moves = 20, 50
	cfg := testConfig()
	cfg.Connections.Max = clients
	cfg.Monitor.LatencyBudgetMs = 1000
	h := newWSHarness(t, cfg)

	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = h.dial(t, "/ws")
		readUntil(t, conns[i], protocol.TypeWelcome)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, failed := 0, 0
	for i, ws := range conns {
		wg.Add(1)
		go func(i int, ws *websocket.Conn) {
			defer wg.Done()
			if err := ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"command":"join","data":{"name":"crab%d"}}`, i))); err != nil {
				return
			}
			if m, err := awaitReply(ws, protocol.TypeJoined); err != nil || m["type"] != protocol.TypeJoined {
				return
			}
			for n := 0; n < moves; n++ {
				dir := "e"
				if n%2 == 1 {
					dir = "w"
				}
				if err := ws.WriteMessage(websocket.TextMessage, []byte("MOVE "+dir)); err != nil {
					return
				}
				m, err := awaitReply(ws, protocol.TypeMoved)
				mu.Lock()
				if err == nil && m["type"] == protocol.TypeMoved {
					ok++
				} else {
					failed++
				}
				mu.Unlock()
			}
		}(i, ws)
	}
	wg.Wait()

	assert.Equal(t, clients*moves, ok)
	assert.Zero(t, failed)
	snap := h.srv.Monitor().Snapshot()
	assert.Equal(t, 1.0, snap.ConnectSuccess)
	assert.Equal(t, int64(clients), snap.ConnectSucceeded)
	assert.Zero(t, snap.Evictions)
	assert.Zero(t, snap.Timeouts)
	assert.Zero(t, snap.FramesDropped)
	// 广播投递时延（入队到写出套接字）的 p95 在预算内
	assert.Positive(t, snap.Delivery.Count)
	assert.LessOrEqual(t, snap.Delivery.P95, snap.LatencyBudgetMs)
	assert.True(t, snap.WithinBudget)
}

// awaitReply 读到目标回复或错误为止，不使用 testing.T 以便在协程中调用
func awaitReply(ws *websocket.Conn, typ string) (map[string]any, error) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m["type"] == typ || m["type"] == protocol.TypeError {
			return m, nil
		}
	}
}

func TestWS_PongKeepsWatcherAlive(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for several ping rounds")
	}
	cfg := testConfig()
	cfg.Connections.PingIntervalS = 1
	cfg.Connections.IdleTimeoutS = 2
	cfg.Tick.SweepIntervalMs = 100
	h := newWSHarness(t, cfg)
	ws := h.dial(t, "/ws")
	readUntil(t, ws, protocol.TypeWelcome)

	// 不发任何命令，只在读循环里自动回复 ping
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ws.SetReadDeadline(time.Now().Add(3500 * time.Millisecond))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	<-done

	assert.Equal(t, 1, h.srv.Registry().Len())
	assert.Zero(t, h.srv.Monitor().Snapshot().CloseReasons["idle timeout"])
}

func TestWS_PeerCloseRemovesPlayer(t *testing.T) {
	h := newWSHarness(t, testConfig())
	a := h.dial(t, "/ws")
	readUntil(t, a, protocol.TypeWelcome)
	send(t, a, `{"command":"join","data":{"name":"Frank"}}`)
	readUntil(t, a, protocol.TypeJoined)

	b := h.dial(t, "/ws")
	readUntil(t, b, protocol.TypeWelcome)
	require.NoError(t, a.Close())

	left := readUntil(t, b, protocol.TypePlayerLeft)
	assert.Equal(t, "Frank", left["name"])

	// 名字立即可以被重新使用
	send(t, b, `{"command":"join","data":{"name":"Frank"}}`)
	j := readUntil(t, b, protocol.TypeJoined, protocol.TypeError)
	assert.Equal(t, protocol.TypeJoined, j["type"])
}

func TestHandleMetrics(t *testing.T) {
	h := newWSHarness(t, testConfig())
	resp, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Tick    uint64   `json:"tick"`
		Metrics Snapshot `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1.0, body.Metrics.ConnectSuccess)
}
