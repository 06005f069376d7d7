package server

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"clawworld/config"
	"clawworld/persist"
	"clawworld/protocol"
	"clawworld/world"
)

var errRoomStopped = errors.New("world loop stopped")

// RoomConfig 世界循环参数；除 CommandTimeout 外只在世界循环内读写
type RoomConfig struct {
	LookRadius     int
	LookFactLimit  int
	ChatMaxLen     int
	NPCInterval    time.Duration
	SweepInterval  time.Duration
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	WanderChance   float64
	InboxSize      int
	Seed           uint64
}

func RoomConfigFrom(cfg config.Config) RoomConfig {
	return RoomConfig{
		LookRadius:     cfg.World.LookRadius,
		LookFactLimit:  64,
		ChatMaxLen:     cfg.Chat.MaxLen,
		NPCInterval:    cfg.Tick.NPCInterval(),
		SweepInterval:  cfg.Tick.SweepInterval(),
		IdleTimeout:    cfg.Connections.IdleTimeout(),
		CommandTimeout: cfg.Tick.CommandTimeout(),
		WanderChance:   cfg.Tick.WanderChance,
		InboxSize:      cfg.Tick.InboxSize,
		Seed:           uint64(cfg.World.Seed),
	}
}

// PlayerSaver 玩家位置与聊天的持久化端，写入必须非阻塞
type PlayerSaver interface {
	SavePlayer(r persist.PlayerRecord)
	AppendChat(r persist.ChatRecord) string
}

type leaveRequest struct {
	connID string
	reason string
}

// session 连接与玩家的绑定
type session struct {
	playerID string
	bot      bool
}

// Room 唯一的串行化点：独占 world.Store，所有变更在 run 协程内顺序执行
type Room struct {
	cfg        RoomConfig
	cmdTimeout atomic.Int64

	store    *world.Store
	registry *Registry
	fanout   *Broadcaster
	monitor  *Monitor

	saver PlayerSaver
	known map[string]persist.PlayerRecord // 折叠名 -> 最后位置

	inbox     chan *Input
	leaveChan chan leaveRequest
	execChan  chan func()

	sessions map[string]session // connID -> 玩家
	seq      uint64
	tickSeq  atomic.Uint64
	rng      *rand.Rand
	pending  []world.Delta

	npcTicker *time.Ticker
	started   atomic.Bool
	stopped   chan struct{}
}

func NewRoom(cfg RoomConfig, store *world.Store, reg *Registry, fan *Broadcaster, mon *Monitor) *Room {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.LookFactLimit <= 0 {
		cfg.LookFactLimit = 64
	}
	r := &Room{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		fanout:    fan,
		monitor:   mon,
		known:     make(map[string]persist.PlayerRecord),
		inbox:     make(chan *Input, cfg.InboxSize),
		leaveChan: make(chan leaveRequest, 256),
		execChan:  make(chan func(), 16),
		sessions:  make(map[string]session),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		stopped:   make(chan struct{}),
	}
	r.cmdTimeout.Store(int64(cfg.CommandTimeout))
	return r
}

// UsePersistence 启动前设置；known 为预加载的玩家最后位置
func (r *Room) UsePersistence(s PlayerSaver, known map[string]persist.PlayerRecord) {
	r.saver = s
	for k, v := range known {
		r.known[k] = v
	}
}

// Start 启动世界循环（单协程推进世界）
func (r *Room) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

// Stopped 世界循环退出后关闭
func (r *Room) Stopped() <-chan struct{} { return r.stopped }

func (r *Room) Tick() uint64 { return r.tickSeq.Load() }

func (r *Room) run(ctx context.Context) {
	defer close(r.stopped)
	r.npcTicker = time.NewTicker(r.cfg.NPCInterval)
	defer r.npcTicker.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	Log.Infof("world loop started: npc_interval=%s look_radius=%d", r.cfg.NPCInterval, r.cfg.LookRadius)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case in := <-r.inbox:
			r.handleInput(in)
		case lr := <-r.leaveChan:
			r.dropConnection(lr.connID, lr.reason)
		case fn := <-r.execChan:
			fn()
		case <-r.npcTicker.C:
			r.tickNPCs()
		case <-sweep.C:
			r.sweep()
		}
		// 每个事件处理完立即扇出，下一次 tick 之前增量已全部入队
		r.flush()
	}
}

// Submit 提交命令并等待直接回复；超时返回 E_TIMEOUT，且该命令不会再被执行
func (r *Room) Submit(ctx context.Context, connID string, cmd protocol.Command) (Reply, error) {
	in := newInput(connID, cmd)
	timer := time.NewTimer(time.Duration(r.cmdTimeout.Load()))
	defer timer.Stop()

	select {
	case r.inbox <- in:
	case <-timer.C:
		r.monitor.IncTimeout()
		return Reply{}, protocol.Errorf(protocol.ErrTimeout, "%s timed out waiting for the world loop", cmd.Verb())
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-r.stopped:
		return Reply{}, protocol.Errorf(protocol.ErrTransport, "%v", errRoomStopped)
	}

	select {
	case rep := <-in.done:
		return rep, nil
	case <-timer.C:
		if in.expire() {
			r.monitor.IncTimeout()
			return Reply{}, protocol.Errorf(protocol.ErrTimeout, "%s timed out waiting for the world loop", cmd.Verb())
		}
		return <-in.done, nil
	case <-ctx.Done():
		if in.expire() {
			return Reply{}, ctx.Err()
		}
		return <-in.done, nil
	case <-r.stopped:
		if in.expire() {
			return Reply{}, protocol.Errorf(protocol.ErrTransport, "%v", errRoomStopped)
		}
		return <-in.done, nil
	}
}

// Leave 请求在世界循环中移除连接，重复调用无副作用
func (r *Room) Leave(connID, reason string) {
	select {
	case r.leaveChan <- leaveRequest{connID: connID, reason: reason}:
	case <-r.stopped:
	}
}

// Exec 在世界循环内执行 fn 并等待完成（管理接口与统计用）
func (r *Room) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case r.execChan <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return errRoomStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		// 退出前可能已经执行完
		select {
		case <-done:
			return nil
		default:
			return errRoomStopped
		}
	}
}

func (r *Room) handleInput(in *Input) {
	if !in.take() {
		return
	}
	conn, ok := r.registry.Lookup(in.ConnID)
	if !ok {
		// 连接已被拆除：断开请求视为已完成，其他命令无处回复
		if _, isDisconnect := in.Command.(protocol.Disconnect); isDisconnect {
			in.resolve(Reply{Event: protocol.Left{Type: protocol.TypeLeft}})
			return
		}
		err := protocol.Errorf(protocol.ErrTransport, "connection closed")
		in.resolve(Reply{Event: protocol.NewErrorReply(err, in.Command.Verb()), Err: err})
		return
	}
	conn.Touch()

	event, err := r.apply(conn, in.Command)
	reply := Reply{Event: event}
	if err != nil {
		pe := protocol.AsError(err)
		reply = Reply{Event: protocol.NewErrorReply(pe, in.Command.Verb()), Err: pe}
		if pe.Code == protocol.ErrIntegrity {
			Log.Errorf("integrity: conn=%s cmd=%s: %s", conn.ID, in.Command.Verb(), pe.Message)
		}
	}

	// 先回复发送方，再发布本命令产生的增量
	sent := conn.Send(Frame{Data: encode(reply.Event)})
	in.resolve(reply)
	r.monitor.ObserveCommand(time.Since(in.Received))

	if _, isDisconnect := in.Command.(protocol.Disconnect); isDisconnect {
		r.dropConnection(conn.ID, "disconnect")
		return
	}
	if !sent {
		r.monitor.IncEviction()
		r.dropConnection(conn.ID, "slow consumer")
	}
}

// emit 分配全局顺序号并加入待发布队列
func (r *Room) emit(d world.Delta) {
	r.seq++
	d.Seq = r.seq
	if d.At.IsZero() {
		d.At = time.Now()
	}
	r.pending = append(r.pending, d)
}

// flush 发布待发队列；驱逐产生的 player_left 作为后续批次继续发布
func (r *Room) flush() {
	for len(r.pending) > 0 {
		batch := r.pending
		r.pending = nil
		rep := r.fanout.Publish(batch)
		for _, id := range rep.Evict {
			r.monitor.IncEviction()
			r.dropConnection(id, "slow consumer")
		}
	}
}

// dropConnection 注销连接并让其角色下线；幂等
func (r *Room) dropConnection(connID, reason string) {
	if _, ok := r.registry.Unregister(connID); ok {
		r.monitor.ConnClosed(reason)
		Log.Infof("connection closed: id=%s reason=%s", connID, reason)
	}
	if s, ok := r.sessions[connID]; ok {
		r.detach(connID, s, reason)
	}
}

func (r *Room) detach(connID string, s session, reason string) {
	delete(r.sessions, connID)
	p, ok := r.store.RemovePlayer(s.playerID)
	if !ok {
		return
	}
	p.Online = false
	r.remember(p, s.bot)
	r.emit(world.Delta{Kind: world.DeltaPlayerLeft, Player: p, Reason: reason})
	r.monitor.SetPlayers(r.store.PlayerCount())
	Log.Infof("player left: name=%s conn=%s reason=%s", p.Name, connID, reason)
}

func (r *Room) remember(p world.Player, bot bool) {
	rec := playerRecord(p, bot)
	rec.LastSeen = time.Now()
	r.known[rec.Key] = rec
	if r.saver != nil {
		r.saver.SavePlayer(rec)
	}
}

// sweep 清理降级、空闲连接以及失去连接的会话
func (r *Room) sweep() {
	now := time.Now()
	r.registry.ForEach(func(c *Conn) {
		switch {
		case c.Degraded():
			r.monitor.IncEviction()
			r.dropConnection(c.ID, "degraded")
		case r.cfg.IdleTimeout > 0 && now.Sub(c.LastSeen()) > r.cfg.IdleTimeout:
			r.dropConnection(c.ID, "idle timeout")
		}
	})
	for connID, s := range r.sessions {
		if _, ok := r.registry.Lookup(connID); !ok {
			r.detach(connID, s, "connection lost")
		}
	}
}

// shutdown 所有角色下线并保存位置，然后关闭全部连接
func (r *Room) shutdown() {
	for connID, s := range r.sessions {
		r.detach(connID, s, "shutdown")
	}
	r.flush()
	r.registry.ForEach(func(c *Conn) {
		if _, ok := r.registry.Unregister(c.ID); ok {
			r.monitor.ConnClosed("shutdown")
		}
	})
	Log.Infof("world loop stopped: seq=%d tick=%d", r.seq, r.tickSeq.Load())
}
