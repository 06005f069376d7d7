package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"clawworld/protocol"
)

// toolSession 工具调用方的进程内连接：直接回复走 Submit 返回值，
// 广播中的聊天事件留在环形缓冲里供 read_chat 读取
type toolSession struct {
	key  string
	conn *Conn
	size int

	mu     sync.Mutex
	chat   []json.RawMessage
	closed bool
}

func (t *toolSession) Enqueue(f Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if !f.Broadcast {
		return true
	}
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(f.Data, &head) != nil || head.Type != protocol.TypeChat {
		return true
	}
	t.chat = append(t.chat, json.RawMessage(f.Data))
	if over := len(t.chat) - t.size; over > 0 {
		t.chat = append(t.chat[:0], t.chat[over:]...)
	}
	return true
}

func (t *toolSession) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *toolSession) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *toolSession) recent(limit int) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := 0
	if limit > 0 && len(t.chat) > limit {
		start = len(t.chat) - limit
	}
	return append([]json.RawMessage{}, t.chat[start:]...)
}

// ToolBridge 实现 mcp.Bridge：按 agent id 维护会话，本身不含游戏逻辑
type ToolBridge struct {
	s    *Server
	max  int
	size int

	mu       sync.Mutex
	sessions map[string]*toolSession
}

func newToolBridge(s *Server, max, size int) *ToolBridge {
	if size <= 0 {
		size = 200
	}
	return &ToolBridge{s: s, max: max, size: size, sessions: make(map[string]*toolSession)}
}

// session 取已有会话；create 为真时按需新建并注册到连接表
func (b *ToolBridge) session(key string, create bool) (*toolSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.sessions[key]; ok {
		if !ts.isClosed() {
			return ts, nil
		}
		delete(b.sessions, key)
	}
	if !create {
		return nil, nil
	}
	if b.max > 0 && len(b.sessions) >= b.max {
		for k, ts := range b.sessions {
			if ts.isClosed() {
				delete(b.sessions, k)
			}
		}
		if len(b.sessions) >= b.max {
			return nil, protocol.Errorf(protocol.ErrTransport, "too many tool sessions")
		}
	}

	b.s.monitor.IncConnectAttempt()
	ts := &toolSession{key: key, size: b.size}
	conn, err := b.s.registry.Register(ts, ConnMeta{
		Kind:       "mcp",
		Pool:       poolTools,
		RemoteAddr: "mcp:" + key,
		Bot:        true,
		Subscribed: true,
	})
	if err != nil {
		b.s.monitor.ConnRejected("full")
		return nil, protocol.Errorf(protocol.ErrTransport, "%v", err)
	}
	b.s.monitor.ConnOpened()
	ts.conn = conn
	b.sessions[key] = ts
	Log.Infof("tool session opened: key=%s conn=%s", key, conn.ID)
	return ts, nil
}

// Call 提交一条命令；disconnect 对不存在的会话同样成功
func (b *ToolBridge) Call(ctx context.Context, key string, cmd protocol.Command) (any, error) {
	_, isDisconnect := cmd.(protocol.Disconnect)
	ts, err := b.session(key, !isDisconnect)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return protocol.Left{Type: protocol.TypeLeft}, nil
	}
	ts.conn.Touch()
	rep, err := b.s.room.Submit(ctx, ts.conn.ID, cmd)
	if err != nil {
		return nil, err
	}
	if isDisconnect {
		b.mu.Lock()
		if b.sessions[key] == ts {
			delete(b.sessions, key)
		}
		b.mu.Unlock()
	}
	if rep.Err != nil {
		return nil, rep.Err
	}
	return rep.Event, nil
}

// ReadChat 最近 limit 条聊天（limit<=0 返回全部缓冲）
func (b *ToolBridge) ReadChat(_ context.Context, key string, limit int) ([]json.RawMessage, error) {
	ts, err := b.session(key, false)
	if err != nil || ts == nil {
		return []json.RawMessage{}, err
	}
	ts.conn.Touch()
	return ts.recent(limit), nil
}

// AuthorizeBot MCP 请求的 bot key 校验
func (s *Server) AuthorizeBot(r *http.Request) bool {
	if !s.auth.Required() {
		return true
	}
	return s.auth.Check(botKey(r))
}
