package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// PlayerRecord 玩家离线时保存的最后位置与外观
type PlayerRecord struct {
	Key      string
	Name     string
	Species  string
	Color    string
	HueShift int
	X        int
	Y        int
	IsBot    bool
	LastSeen time.Time
}

// ChatRecord 聊天记录，ID 为 ULID（按时间有序）
type ChatRecord struct {
	ID     string    `json:"id"`
	Player string    `json:"name"`
	Text   string    `json:"text"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	At     time.Time `json:"at"`
}

// Store SQLite 持久化；写入经由单个后台协程，调用方永不等待磁盘
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.RWMutex // 保护 closed 与 close(ch)
	closed  bool
	dropped atomic.Int64
}

type reqKind int

const (
	reqPlayer reqKind = iota + 1
	reqChat
)

type req struct {
	kind   reqKind
	player PlayerRecord
	chat   ChatRecord
}

func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		log: log,
		ch:  make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS players (
			name_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			species TEXT NOT NULL DEFAULT 'lobster',
			color TEXT NOT NULL DEFAULT 'red',
			hue_shift INTEGER NOT NULL DEFAULT 0,
			last_x INTEGER NOT NULL,
			last_y INTEGER NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			player_name TEXT NOT NULL,
			message TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_time_idx ON chat_messages(created_at DESC);`,
	}
	for _, st := range stmts {
		if _, err := db.Exec(st); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// LoadPlayers 启动时一次性读入所有玩家的最后位置
func (s *Store) LoadPlayers(ctx context.Context) (map[string]PlayerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name_key, name, species, color, hue_shift, last_x, last_y, is_bot, last_seen FROM players`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]PlayerRecord)
	for rows.Next() {
		var r PlayerRecord
		var bot int
		var seen int64
		if err := rows.Scan(&r.Key, &r.Name, &r.Species, &r.Color, &r.HueShift, &r.X, &r.Y, &bot, &seen); err != nil {
			return nil, err
		}
		r.IsBot = bot != 0
		r.LastSeen = time.UnixMilli(seen)
		out[r.Key] = r
	}
	return out, rows.Err()
}

// RecentChat 最近 limit 条聊天，按时间正序
func (s *Store) RecentChat(ctx context.Context, limit int) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player_name, message, x, y, created_at FROM chat_messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatRecord
	for rows.Next() {
		var r ChatRecord
		var at int64
		if err := rows.Scan(&r.ID, &r.Player, &r.Text, &r.X, &r.Y, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SavePlayer 异步写入；队列满时丢弃并计数
func (s *Store) SavePlayer(r PlayerRecord) {
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}
	s.enqueue(req{kind: reqPlayer, player: r})
}

// AppendChat 异步写入一条聊天，返回分配的 ULID
func (s *Store) AppendChat(r ChatRecord) string {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	s.enqueue(req{kind: reqChat, chat: r})
	return r.ID
}

func (s *Store) Dropped() int64 { return s.dropped.Load() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) enqueue(r req) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// Close 停止接收写请求并等待队列写完
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) loop() {
	for r := range s.ch {
		var err error
		switch r.kind {
		case reqPlayer:
			err = s.writePlayer(r.player)
		case reqChat:
			err = s.writeChat(r.chat)
		}
		if err != nil {
			s.log.Warnf("persist: write failed kind=%d: %v", r.kind, err)
		}
	}
}

func (s *Store) writePlayer(r PlayerRecord) error {
	bot := 0
	if r.IsBot {
		bot = 1
	}
	_, err := s.db.Exec(`INSERT INTO players (name_key, name, species, color, hue_shift, last_x, last_y, is_bot, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_key) DO UPDATE SET
			name = excluded.name,
			species = excluded.species,
			color = excluded.color,
			hue_shift = excluded.hue_shift,
			last_x = excluded.last_x,
			last_y = excluded.last_y,
			is_bot = excluded.is_bot,
			last_seen = excluded.last_seen`,
		r.Key, r.Name, r.Species, r.Color, r.HueShift, r.X, r.Y, bot, r.LastSeen.UnixMilli())
	return err
}

func (s *Store) writeChat(r ChatRecord) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (id, player_name, message, x, y, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Player, r.Text, r.X, r.Y, r.At.UnixMilli())
	return err
}
