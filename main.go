package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"clawworld/config"
	"clawworld/mcp"
	"clawworld/persist"
	"clawworld/server"
	"clawworld/world"
)

// ClawWorld 入口：加载配置，构建世界，启动 HTTP + WebSocket 服务
func main() {
	var addr, cfgPath, logFile string
	flag.StringVar(&addr, "addr", "", "server listen address, e.g. :8080 (overrides config)")
	flag.StringVar(&cfgPath, "config", "", "path to YAML config")
	flag.StringVar(&logFile, "log", "", "log file path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	if addr != "" {
		cfg.Listen = addr
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.Log); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	terrain, err := buildTerrain(cfg.World)
	if err != nil {
		server.Log.Fatalf("terrain: %v", err)
	}
	store := world.NewStore(terrain, world.Cell{X: cfg.World.Spawn[0], Y: cfg.World.Spawn[1]}, npcsFromConfig(cfg.NPCs))

	opts := server.Options{Config: cfg, Store: store}
	if path := cfg.Persistence.SQLitePath; path != "" {
		db, err := persist.Open(path, server.Log)
		if err != nil {
			server.Log.Fatalf("open %s: %v", path, err)
		}
		defer db.Close()
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		known, err := db.LoadPlayers(loadCtx)
		cancel()
		if err != nil {
			server.Log.Fatalf("load players: %v", err)
		}
		server.Log.Infof("persistence: %s (%d known players)", path, len(known))
		opts.Saver, opts.Known, opts.DB = db, known, db
	}
	if dir := cfg.Persistence.JournalDir; dir != "" {
		j := persist.OpenJournal(dir, server.Log)
		defer j.Close()
		opts.Journal = j
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(opts)
	srv.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/bot", srv.HandleBot)
	// 管理与监控接口
	mux.HandleFunc("/admin/config", srv.HandleAdminConfig)
	mux.HandleFunc("/metrics", srv.HandleMetrics)
	mux.HandleFunc("/health", srv.HandleHealth)
	mux.HandleFunc("/stats", srv.HandleStats)
	mux.HandleFunc("/healthz", server.HandleHealthz)
	if cfg.MCP.Enabled {
		m, err := mcp.NewServer(mcp.Config{Bridge: srv.Bridge(), Authorize: srv.AuthorizeBot, Log: server.Log})
		if err != nil {
			server.Log.Fatalf("mcp: %v", err)
		}
		mux.Handle(cfg.MCP.Path, m.Handler())
	}

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		server.Log.Infof("ClawWorld listening on %s (%dx%d, %d npcs)", cfg.Listen, terrain.Width, terrain.Height, len(cfg.NPCs))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Log.Errorf("listen: %v", err)
			stop()
		}
	}()

	// 优雅退出（Ctrl+C）
	<-ctx.Done()
	server.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	select {
	case <-srv.Room().Stopped():
	case <-shutdownCtx.Done():
		server.Log.Warn("world loop did not stop in time")
	}
}

func buildTerrain(w config.World) (*world.Terrain, error) {
	if w.TerrainFile != "" {
		return world.LoadTerrain(w.TerrainFile)
	}
	return world.GenerateIslands(w.Width, w.Height, world.DefaultIslandConfig(w.Seed)), nil
}

func npcsFromConfig(list []config.NPC) []world.NPC {
	out := make([]world.NPC, 0, len(list))
	for _, n := range list {
		behavior := world.Behavior(n.Behavior)
		if behavior == "" {
			behavior = world.BehaviorStationary
		}
		npc := world.NPC{
			ID:       n.ID,
			Name:     n.Name,
			Behavior: behavior,
			State:    world.StateIdle,
			Pos:      world.Cell{X: n.At[0], Y: n.At[1]},
			Dialog:   n.Dialog,
		}
		for _, p := range n.Path {
			npc.Path = append(npc.Path, world.Cell{X: p[0], Y: p[1]})
		}
		out = append(out, npc)
	}
	return out
}
