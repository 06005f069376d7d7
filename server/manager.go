package server

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrServerFull 已达到最大连接数
var ErrServerFull = errors.New("server full")

// 连接池：玩家（ws/bot）与工具桥会话分别限额
const (
	poolPlayers = "players"
	poolTools   = "tools"
)

// Frame 出站帧：At 为入队时间，用于统计投递时延
type Frame struct {
	Data      []byte
	At        time.Time
	Broadcast bool
}

// Sink 连接的发送端（WebSocket 写协程或工具桥会话）
// Enqueue 必须非阻塞：满或已关闭时返回 false
type Sink interface {
	Enqueue(f Frame) bool
	Close()
}

// ConnMeta 注册时的连接属性
type ConnMeta struct {
	Kind       string // ws / bot / mcp
	Pool       string
	RemoteAddr string
	Bot        bool
	Subscribed bool
	RateLimit  rate.Limit
	RateBurst  int
}

// Conn 一条活跃连接，只归 Registry 所有；玩家通过 id 弱引用
type Conn struct {
	ID          string
	Kind        string
	RemoteAddr  string
	Bot         bool
	ConnectedAt time.Time

	pool    string
	sink    Sink
	limiter *rate.Limiter

	lastSeen   atomic.Int64 // unix nano
	alive      atomic.Bool
	degraded   atomic.Bool
	subscribed atomic.Bool
	player     atomic.Value // string，绑定的玩家名，仅展示用
}

func (c *Conn) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) Alive() bool { return c.alive.Load() }

func (c *Conn) Degraded() bool { return c.degraded.Load() }

// MarkDegraded 发送失败后标记，等待世界循环驱逐
func (c *Conn) MarkDegraded() { c.degraded.Store(true) }

func (c *Conn) Subscribed() bool { return c.subscribed.Load() }

// Allow 命令限流
func (c *Conn) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

func (c *Conn) PlayerName() string {
	if v, ok := c.player.Load().(string); ok {
		return v
	}
	return ""
}

func (c *Conn) setPlayerName(name string) { c.player.Store(name) }

// Send 非阻塞入队；失败则标记降级
func (c *Conn) Send(f Frame) bool {
	if !c.Alive() {
		return false
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	if !c.sink.Enqueue(f) {
		c.MarkDegraded()
		return false
	}
	return true
}

func (c *Conn) close() {
	if c.alive.Swap(false) {
		c.sink.Close()
	}
}

// ConnInfo 只读视图（/stats 输出）
type ConnInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	RemoteAddr  string    `json:"remoteAddr"`
	Bot         bool      `json:"bot"`
	Player      string    `json:"player,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Degraded    bool      `json:"degraded"`
}

func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:          c.ID,
		Kind:        c.Kind,
		RemoteAddr:  c.RemoteAddr,
		Bot:         c.Bot,
		Player:      c.PlayerName(),
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.LastSeen(),
		Degraded:    c.Degraded(),
	}
}

// Registry 管理所有活跃连接的生命周期，并发安全
// max 为总上限，limits 为各连接池上限，均在同一把锁内检查
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	max    int
	limits map[string]int
	counts map[string]int
}

func NewRegistry(max int) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		max:    max,
		limits: make(map[string]int),
		counts: make(map[string]int),
	}
}

// Limit 设置连接池上限；n<=0 表示不限
func (r *Registry) Limit(pool string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		delete(r.limits, pool)
		return
	}
	r.limits[pool] = n
}

// PoolLen 某个连接池当前的连接数
func (r *Registry) PoolLen(pool string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[pool]
}

// Register 分配唯一 id 并记录到达时间
func (r *Registry) Register(sink Sink, meta ConnMeta) (*Conn, error) {
	now := time.Now()
	c := &Conn{
		ID:          uuid.NewString(),
		Kind:        meta.Kind,
		RemoteAddr:  meta.RemoteAddr,
		Bot:         meta.Bot,
		ConnectedAt: now,
		pool:        meta.Pool,
		sink:        sink,
	}
	if meta.RateLimit > 0 {
		c.limiter = rate.NewLimiter(meta.RateLimit, meta.RateBurst)
	}
	c.lastSeen.Store(now.UnixNano())
	c.alive.Store(true)
	c.subscribed.Store(meta.Subscribed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.conns) >= r.max {
		return nil, ErrServerFull
	}
	if lim, ok := r.limits[meta.Pool]; ok && r.counts[meta.Pool] >= lim {
		return nil, ErrServerFull
	}
	r.conns[c.ID] = c
	r.counts[meta.Pool]++
	return c, nil
}

// Unregister 移除并关闭连接；重复调用返回 false
func (r *Registry) Unregister(id string) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.counts[c.pool]--
	}
	r.mu.Unlock()
	if ok {
		c.close()
	}
	return c, ok
}

func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ForEach 在快照上遍历，回调内可以安全地注册/注销
func (r *Registry) ForEach(fn func(*Conn)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Infos 按连接时间排序
func (r *Registry) Infos() []ConnInfo {
	conns := r.snapshot()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
