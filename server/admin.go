package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clawworld/protocol"
)

const (
	adminTimeout = 2 * time.Second
	recentChatN  = 20
)

// RuntimeSettings 可热更新的世界参数；POST 时只修改出现的字段
type RuntimeSettings struct {
	LookRadius       *int     `json:"lookRadius,omitempty"`
	ChatMaxLen       *int     `json:"chatMaxLen,omitempty"`
	NPCIntervalMs    *int     `json:"npcIntervalMs,omitempty"`
	WanderChance     *float64 `json:"wanderChance,omitempty"`
	CommandTimeoutMs *int     `json:"commandTimeoutMs,omitempty"`
	IdleTimeoutS     *int     `json:"idleTimeoutS,omitempty"`
}

func (p RuntimeSettings) validate() error {
	positive := map[string]*int{
		"lookRadius":       p.LookRadius,
		"chatMaxLen":       p.ChatMaxLen,
		"npcIntervalMs":    p.NPCIntervalMs,
		"commandTimeoutMs": p.CommandTimeoutMs,
		"idleTimeoutS":     p.IdleTimeoutS,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if p.WanderChance != nil && (*p.WanderChance < 0 || *p.WanderChance > 1) {
		return fmt.Errorf("wanderChance must be within [0,1]")
	}
	return nil
}

// settings 世界循环内调用
func (r *Room) settings() RuntimeSettings {
	look, chat := r.cfg.LookRadius, r.cfg.ChatMaxLen
	npc := int(r.cfg.NPCInterval / time.Millisecond)
	wander := r.cfg.WanderChance
	timeout := int(time.Duration(r.cmdTimeout.Load()) / time.Millisecond)
	idle := int(r.cfg.IdleTimeout / time.Second)
	return RuntimeSettings{
		LookRadius:       &look,
		ChatMaxLen:       &chat,
		NPCIntervalMs:    &npc,
		WanderChance:     &wander,
		CommandTimeoutMs: &timeout,
		IdleTimeoutS:     &idle,
	}
}

// applySettings 世界循环内调用
func (r *Room) applySettings(p RuntimeSettings) {
	if p.LookRadius != nil {
		r.cfg.LookRadius = *p.LookRadius
	}
	if p.ChatMaxLen != nil {
		r.cfg.ChatMaxLen = *p.ChatMaxLen
	}
	if p.NPCIntervalMs != nil {
		r.cfg.NPCInterval = time.Duration(*p.NPCIntervalMs) * time.Millisecond
		if r.npcTicker != nil {
			r.npcTicker.Reset(r.cfg.NPCInterval)
		}
	}
	if p.WanderChance != nil {
		r.cfg.WanderChance = *p.WanderChance
	}
	if p.CommandTimeoutMs != nil {
		r.cmdTimeout.Store(int64(time.Duration(*p.CommandTimeoutMs) * time.Millisecond))
	}
	if p.IdleTimeoutS != nil {
		r.cfg.IdleTimeout = time.Duration(*p.IdleTimeoutS) * time.Second
	}
}

// HandleAdminConfig 提供世界参数的读取与更新（热更新基本规则）
// GET /admin/config  返回当前配置
// POST /admin/config 以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		var cur RuntimeSettings
		if err := s.room.Exec(ctx, func() { cur = s.room.settings() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPost:
		var body RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := body.validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var cur RuntimeSettings
		err := s.room.Exec(ctx, func() {
			s.room.applySettings(body)
			cur = s.room.settings()
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": cur})
		Log.Infof("config updated: look=%d chat=%d npc=%dms wander=%.2f timeout=%dms idle=%ds",
			*cur.LookRadius, *cur.ChatMaxLen, *cur.NPCIntervalMs, *cur.WanderChance, *cur.CommandTimeoutMs, *cur.IdleTimeoutS)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出健康监控快照
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":    s.room.Tick(),
		"metrics": s.monitor.Snapshot(),
	})
}

// HandleHealth 运维探针：世界循环与数据库状态
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	select {
	case <-s.room.Stopped():
		status, code = "stopped", http.StatusServiceUnavailable
	default:
	}
	db := "disabled"
	var dbDropped, journalDropped int64
	if s.db != nil {
		db = "ok"
		if err := s.db.Ping(ctx); err != nil {
			db = "error: " + err.Error()
			status = "degraded"
		}
		dbDropped = s.db.Dropped()
	}
	if s.journal != nil {
		journalDropped = s.journal.Dropped()
	}
	snap := s.monitor.Snapshot()
	writeJSON(w, code, map[string]any{
		"status":          status,
		"protocol":        protocol.Version,
		"players":         snap.Players,
		"connections":     s.registry.Len(),
		"tick":            s.room.Tick(),
		"uptime_s":        snap.UptimeS,
		"db":              db,
		"db_dropped":      dbDropped,
		"journal_dropped": journalDropped,
	})
}

// HandleStats 在线名单与连接列表；名单在世界循环内读取
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	var roster protocol.PlayerList
	var npcs []protocol.NPCView
	err := s.room.Exec(ctx, func() {
		roster = s.room.players()
		npcs = npcViews(s.room.store.NPCs())
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := map[string]any{
		"online":      roster.Count,
		"players":     roster.Players,
		"npcs":        npcs,
		"connections": s.registry.Infos(),
	}
	// 最近聊天来自数据库，查询失败不影响名单
	if s.db != nil {
		chat, err := s.db.RecentChat(ctx, recentChatN)
		if err != nil {
			Log.Warnf("stats: recent chat: %v", err)
		} else {
			out["recentChat"] = chat
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
