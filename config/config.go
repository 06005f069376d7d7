package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen      string      `yaml:"listen"`
	Log         Log         `yaml:"log"`
	World       World       `yaml:"world"`
	Tick        Tick        `yaml:"tick"`
	Connections Connections `yaml:"connections"`
	Chat        Chat        `yaml:"chat"`
	NPCs        []NPC       `yaml:"npcs"`
	Persistence Persistence `yaml:"persistence"`
	Monitor     Monitor     `yaml:"monitor"`
	MCP         MCP         `yaml:"mcp"`
}

type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type World struct {
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	Seed        uint32 `yaml:"seed"`
	Spawn       [2]int `yaml:"spawn"`
	LookRadius  int    `yaml:"look_radius"`
	TerrainFile string `yaml:"terrain_file"`
}

type Tick struct {
	NPCIntervalMs    int     `yaml:"npc_interval_ms"`
	CommandTimeoutMs int     `yaml:"command_timeout_ms"`
	SweepIntervalMs  int     `yaml:"sweep_interval_ms"`
	WanderChance     float64 `yaml:"wander_chance"`
	InboxSize        int     `yaml:"inbox_size"`
}

type Connections struct {
	Max           int      `yaml:"max"`
	SendQueue     int      `yaml:"send_queue"`
	IdleTimeoutS  int      `yaml:"idle_timeout_s"`
	PingIntervalS int      `yaml:"ping_interval_s"`
	RatePerMinute int      `yaml:"rate_per_minute"`
	RateBurst     int      `yaml:"rate_burst"`
	ConnectPerMin int      `yaml:"connect_per_minute"`
	BotKeys       []string `yaml:"bot_keys"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

type Chat struct {
	MaxLen int `yaml:"max_len"`
}

type NPC struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Behavior string   `yaml:"behavior"`
	At       [2]int   `yaml:"at"`
	Path     [][2]int `yaml:"path"`
	Dialog   string   `yaml:"dialog"`
}

type Persistence struct {
	SQLitePath string `yaml:"sqlite_path"`
	JournalDir string `yaml:"journal_dir"`
}

type Monitor struct {
	WindowS         int `yaml:"window_s"`
	LatencyBudgetMs int `yaml:"latency_budget_ms"`
}

type MCP struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	MaxSessions int    `yaml:"max_sessions"`
	EventBuffer int    `yaml:"event_buffer"`
}

// Defaults 与原线上部署一致的默认值（200x200 格、16px 一格）
func Defaults() Config {
	return Config{
		Listen: ":8080",
		Log: Log{
			File:       "app.log",
			Level:      "debug",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		World: World{
			Width:      200,
			Height:     200,
			Seed:       1337,
			Spawn:      [2]int{100, 100},
			LookRadius: 12,
		},
		Tick: Tick{
			NPCIntervalMs:    400,
			CommandTimeoutMs: 2000,
			SweepIntervalMs:  1000,
			WanderChance:     0.5,
			InboxSize:        1024,
		},
		Connections: Connections{
			Max:           50,
			SendQueue:     256,
			IdleTimeoutS:  300,
			PingIntervalS: 10,
			RatePerMinute: 120,
			RateBurst:     20,
			ConnectPerMin: 120,
		},
		Chat: Chat{MaxLen: 500},
		NPCs: []NPC{
			{ID: "npc_sage", Name: "Old Sage", Behavior: "stationary", At: [2]int{103, 100},
				Dialog: "The tide remembers every claw that crossed these bridges."},
			{ID: "npc_warden", Name: "Reef Warden", Behavior: "patrol", At: [2]int{96, 96},
				Path: [][2]int{{96, 96}, {104, 96}, {104, 104}, {96, 104}},
				Dialog: "Keep to the paths. Open water takes the careless."},
			{ID: "npc_drifter", Name: "Drifter", Behavior: "wander", At: [2]int{100, 104},
				Dialog: "Have you seen the red current? No? Good."},
		},
		Persistence: Persistence{},
		Monitor:     Monitor{WindowS: 60, LatencyBudgetMs: 250},
		MCP:         MCP{Enabled: true, Path: "/mcp", MaxSessions: 256, EventBuffer: 200},
	}
}

// Load 读取 YAML 覆盖默认值，再应用环境变量
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv PORT 与 BOT_API_KEYS 覆盖配置文件
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		cfg.Listen = ":" + port
	}
	if keys := strings.TrimSpace(getenv("BOT_API_KEYS")); keys != "" {
		cfg.Connections.BotKeys = cfg.Connections.BotKeys[:0]
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Connections.BotKeys = append(cfg.Connections.BotKeys, k)
			}
		}
	}
}

func (c Config) Validate() error {
	switch {
	case c.World.Width <= 0 || c.World.Height <= 0:
		return fmt.Errorf("world: width and height must be positive")
	case c.World.Spawn[0] < 0 || c.World.Spawn[1] < 0 || c.World.Spawn[0] >= c.World.Width || c.World.Spawn[1] >= c.World.Height:
		return fmt.Errorf("world: spawn %v outside %dx%d", c.World.Spawn, c.World.Width, c.World.Height)
	case c.World.LookRadius <= 0:
		return fmt.Errorf("world: look_radius must be positive")
	case c.Tick.NPCIntervalMs <= 0 || c.Tick.CommandTimeoutMs <= 0 || c.Tick.SweepIntervalMs <= 0:
		return fmt.Errorf("tick: intervals must be positive")
	case c.Tick.WanderChance < 0 || c.Tick.WanderChance > 1:
		return fmt.Errorf("tick: wander_chance must be within [0,1]")
	case c.Tick.InboxSize <= 0:
		return fmt.Errorf("tick: inbox_size must be positive")
	case c.Connections.Max <= 0 || c.Connections.SendQueue <= 0:
		return fmt.Errorf("connections: max and send_queue must be positive")
	case c.Connections.IdleTimeoutS <= 0 || c.Connections.PingIntervalS <= 0:
		return fmt.Errorf("connections: idle_timeout_s and ping_interval_s must be positive")
	case c.Connections.RatePerMinute <= 0 || c.Connections.RateBurst <= 0:
		return fmt.Errorf("connections: rate limits must be positive")
	case c.Chat.MaxLen <= 0:
		return fmt.Errorf("chat: max_len must be positive")
	case c.Monitor.WindowS <= 0:
		return fmt.Errorf("monitor: window_s must be positive")
	}
	for i, n := range c.NPCs {
		if n.ID == "" {
			return fmt.Errorf("npcs[%d]: missing id", i)
		}
		switch n.Behavior {
		case "wander", "patrol", "stationary", "":
		default:
			return fmt.Errorf("npcs[%d]: unknown behavior %q", i, n.Behavior)
		}
	}
	return nil
}

func (t Tick) NPCInterval() time.Duration    { return time.Duration(t.NPCIntervalMs) * time.Millisecond }
func (t Tick) CommandTimeout() time.Duration { return time.Duration(t.CommandTimeoutMs) * time.Millisecond }
func (t Tick) SweepInterval() time.Duration  { return time.Duration(t.SweepIntervalMs) * time.Millisecond }

func (c Connections) IdleTimeout() time.Duration  { return time.Duration(c.IdleTimeoutS) * time.Second }
func (c Connections) PingInterval() time.Duration { return time.Duration(c.PingIntervalS) * time.Second }

func (m Monitor) Window() time.Duration        { return time.Duration(m.WindowS) * time.Second }
func (m Monitor) LatencyBudget() time.Duration { return time.Duration(m.LatencyBudgetMs) * time.Millisecond }
