package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"clawworld/protocol"
)

const (
	writeWait = 5 * time.Second

	// 自定义关闭码
	CloseInvalidKey  = 4001
	CloseServerFull  = 4003
	CloseRateLimited = 4029
)

// ClientConn 负责发送（写）数据到客户端的轻量包装，实现 Sink
type ClientConn struct {
	ws      *websocket.Conn
	monitor *Monitor

	mu     sync.Mutex // 保护 send 的关闭
	send   chan Frame
	closed bool

	pingInterval time.Duration
	missedPongs  atomic.Int32
}

func NewClientConn(ws *websocket.Conn, queue int, mon *Monitor, pingInterval time.Duration) *ClientConn {
	return &ClientConn{
		ws:           ws,
		monitor:      mon,
		send:         make(chan Frame, queue),
		pingInterval: pingInterval,
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则返回 false 交给上层驱逐）
func (c *ClientConn) Enqueue(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Close 关闭发送队列；写协程写完剩余消息后发送关闭帧
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump(conn *Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				conn.MarkDegraded()
				Log.Debugf("write failed: conn=%s err=%v", conn.ID, err)
				return
			}
			if f.Broadcast {
				c.monitor.ObserveDelivery(time.Since(f.At))
			}
		case <-ticker.C:
			// 连续两次未收到 pong 视为失联
			if c.missedPongs.Load() >= 2 {
				c.monitor.IncPingFailure()
				conn.MarkDegraded()
				Log.Infof("ping timeout: conn=%s", conn.ID)
				return
			}
			c.missedPongs.Add(1)
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			if err := c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
				conn.MarkDegraded()
				return
			}
		}
	}
}

// readPump 读取客户端消息，解析后提交给世界循环
func (c *ClientConn) readPump(s *Server, conn *Conn) {
	defer c.ws.Close()
	// 读泵退出时，通知世界循环移除该连接
	reason := "closed by peer"
	defer func() { s.room.Leave(conn.ID, reason) }()

	pongWait := 3 * c.pingInterval
	c.ws.SetReadLimit(protocol.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	// pong 也算活跃
	c.ws.SetPongHandler(func(data string) error {
		c.missedPongs.Store(0)
		conn.Touch()
		if sent, err := strconv.ParseInt(data, 10, 64); err == nil {
			c.monitor.ObserveRTT(time.Since(time.Unix(0, sent)))
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "transport error"
				Log.Debugf("read failed: conn=%s err=%v", conn.ID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.Touch()
		s.dispatch(conn, payload)
	}
}

// dispatch 单条入站消息：限流、解析、提交；错误只回给发送方，连接保持
func (s *Server) dispatch(conn *Conn, payload []byte) {
	if !conn.Allow() {
		s.monitor.IncRateLimited()
		s.replyError(conn, protocol.Errorf(protocol.ErrRateLimited, "too many commands, slow down"), "")
		return
	}
	cmd, err := protocol.Parse(payload)
	if err != nil {
		s.monitor.IncParseError()
		s.replyError(conn, protocol.AsError(err), "")
		return
	}
	// 成功回复由世界循环直接写入发送队列
	if _, err := s.room.Submit(context.Background(), conn.ID, cmd); err != nil {
		s.replyError(conn, protocol.AsError(err), cmd.Verb())
	}
}

func (s *Server) replyError(conn *Conn, err *protocol.Error, command string) {
	conn.Send(Frame{Data: encode(protocol.NewErrorReply(err, command))})
}

func (s *Server) newUpgrader() websocket.Upgrader {
	allowed := s.cfg.Connections.AllowOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 未配置白名单时允许所有来源
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// HandleWS 玩家接入；可选携带 bot key
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, "ws")
}

// HandleBot 机器人接入；配置了 key 时必须校验通过
func (s *Server) HandleBot(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, "bot")
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, kind string) {
	s.monitor.IncConnectAttempt()
	ip := clientIP(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.monitor.ConnRejected("upgrade")
		Log.Warnf("upgrade error: ip=%s err=%v", ip, err)
		return
	}

	// 拒绝发生在分配连接 id 之前
	if !s.allowConnect(ip) {
		s.reject(ws, CloseRateLimited, "Rate limited", "rate_limited", ip)
		return
	}
	key := botKey(r)
	bot := false
	switch {
	case kind == "bot" && s.auth.Required():
		if !s.auth.Check(key) {
			s.reject(ws, CloseInvalidKey, "Invalid API key", "invalid_key", ip)
			return
		}
		bot = true
	case kind == "bot":
		bot = true
	case key != "" && s.auth.Required():
		if !s.auth.Check(key) {
			s.reject(ws, CloseInvalidKey, "Invalid API key", "invalid_key", ip)
			return
		}
		bot = true
	}

	cc := s.cfg.Connections
	client := NewClientConn(ws, cc.SendQueue, s.monitor, cc.PingInterval())
	conn, err := s.registry.Register(client, ConnMeta{
		Kind:       kind,
		Pool:       poolPlayers,
		RemoteAddr: ip,
		Bot:        bot,
		Subscribed: true,
		RateLimit:  perMinute(cc.RatePerMinute),
		RateBurst:  cc.RateBurst,
	})
	if err != nil {
		s.reject(ws, CloseServerFull, "Server full", "full", ip)
		return
	}
	s.monitor.ConnOpened()
	Log.Infof("connection accepted: id=%s kind=%s ip=%s bot=%v", conn.ID, kind, ip, bot)

	conn.Send(Frame{Data: encode(s.welcome(conn.ID))})
	go client.writePump(conn)
	go client.readPump(s, conn)
}

func (s *Server) welcome(connID string) protocol.Welcome {
	return protocol.Welcome{
		Type:         protocol.TypeWelcome,
		ConnectionID: connID,
		Protocol:     protocol.Version,
		Message:      "Welcome to the island. Send CREATE_CHARACTER or {\"command\":\"join\"} to begin.",
		World:        protocol.WorldInfo{Width: s.cfg.World.Width, Height: s.cfg.World.Height},
	}
}

func (s *Server) reject(ws *websocket.Conn, code int, text, reason, ip string) {
	s.monitor.ConnRejected(reason)
	Log.Infof("connection rejected: ip=%s reason=%s", ip, reason)
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func botKey(r *http.Request) string {
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	if k := r.Header.Get("X-Bot-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
