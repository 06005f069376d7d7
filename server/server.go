package server

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"clawworld/config"
	"clawworld/persist"
	"clawworld/world"
)

// Database 健康检查与运维接口用到的存储能力
type Database interface {
	Ping(ctx context.Context) error
	Dropped() int64
	RecentChat(ctx context.Context, limit int) ([]persist.ChatRecord, error)
}

// Options 组装服务所需的依赖；Saver/Journal/DB 可为空
type Options struct {
	Config  config.Config
	Store   *world.Store
	Saver   PlayerSaver
	Known   map[string]persist.PlayerRecord
	Journal DeltaJournal
	DB      Database
}

// Server 持有连接表、世界循环与监控，是 HTTP 处理器的接收者
type Server struct {
	cfg      config.Config
	registry *Registry
	room     *Room
	fanout   *Broadcaster
	monitor  *Monitor
	auth     *Authenticator
	upgrader websocket.Upgrader
	db       Database
	journal  DeltaJournal
	bridge   *ToolBridge

	ipMu       sync.Mutex
	ipLimiters map[string]*rate.Limiter
}

const maxTrackedIPs = 4096

func New(opts Options) *Server {
	cfg := opts.Config
	mon := NewMonitor(cfg.Monitor.Window(), cfg.Monitor.LatencyBudget())
	// 玩家连接与 MCP 会话各自限额
	reg := NewRegistry(0)
	reg.Limit(poolPlayers, cfg.Connections.Max)
	reg.Limit(poolTools, cfg.MCP.MaxSessions)
	fan := NewBroadcaster(reg, mon, opts.Journal)
	room := NewRoom(RoomConfigFrom(cfg), opts.Store, reg, fan, mon)
	if opts.Saver != nil || len(opts.Known) > 0 {
		room.UsePersistence(opts.Saver, opts.Known)
	}

	s := &Server{
		cfg:        cfg,
		registry:   reg,
		room:       room,
		fanout:     fan,
		monitor:    mon,
		auth:       NewAuthenticator(cfg.Connections.BotKeys),
		db:         opts.DB,
		journal:    opts.Journal,
		ipLimiters: make(map[string]*rate.Limiter),
	}
	s.upgrader = s.newUpgrader()
	s.bridge = newToolBridge(s, cfg.MCP.MaxSessions, cfg.MCP.EventBuffer)
	return s
}

// Start 启动世界循环；ctx 取消后世界循环保存状态并关闭所有连接
func (s *Server) Start(ctx context.Context) { s.room.Start(ctx) }

func (s *Server) Room() *Room { return s.room }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Monitor() *Monitor { return s.monitor }

func (s *Server) Bridge() *ToolBridge { return s.bridge }

// allowConnect 按 IP 限制建连频率
func (s *Server) allowConnect(ip string) bool {
	perMin := s.cfg.Connections.ConnectPerMin
	if perMin <= 0 {
		return true
	}
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	lim, ok := s.ipLimiters[ip]
	if !ok {
		if len(s.ipLimiters) >= maxTrackedIPs {
			s.ipLimiters = make(map[string]*rate.Limiter)
		}
		burst := perMin / 4
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(perMinute(perMin), burst)
		s.ipLimiters[ip] = lim
	}
	return lim.Allow()
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60)
}
