package world

import (
	"math/rand/v2"
	"sort"
	"time"

	"clawworld/protocol"
)

// Player 在线角色（权威状态）
type Player struct {
	ID       string
	Name     string
	Species  string
	Color    string
	HueShift int
	Pos      Cell
	Dir      protocol.Direction
	Online   bool
	ConnID   string
	JoinedAt time.Time
}

// Store 世界权威状态：玩家、NPC、地形
// 非并发安全，只允许拥有它的串行化循环访问
type Store struct {
	terrain *Terrain
	spawn   Cell

	players map[string]*Player // id -> player
	byName  map[string]string  // 折叠后的名字 -> id
	npcs    []*NPC
}

// NewStore 构建世界；出生点与 NPC 位置不可站立时就近修正
func NewStore(t *Terrain, spawn Cell, npcs []NPC) *Store {
	s := &Store{
		terrain: t,
		players: make(map[string]*Player),
		byName:  make(map[string]string),
	}
	if c, ok := t.Nearest(spawn); ok {
		spawn = c
	}
	s.spawn = spawn
	for i := range npcs {
		n := npcs[i]
		if c, ok := t.Nearest(n.Pos); ok {
			n.Pos = c
		}
		if n.State == "" {
			n.State = StateIdle
		}
		n.Path = append([]Cell(nil), n.Path...)
		s.npcs = append(s.npcs, &n)
	}
	return s
}

func (s *Store) Terrain() *Terrain { return s.terrain }

func (s *Store) Spawn() Cell { return s.spawn }

func (s *Store) IsOccupiable(c Cell) bool { return s.terrain.Occupiable(c) }

// GetPlayer 按名字查找（大小写不敏感）
func (s *Store) GetPlayer(name string) (Player, bool) {
	id, ok := s.byName[FoldName(name)]
	if !ok {
		return Player{}, false
	}
	return *s.players[id], true
}

func (s *Store) PlayerByID(id string) (Player, bool) {
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// UpsertPlayer 写入前校验不变量：名字唯一、位置合法；失败时不做任何修改
func (s *Store) UpsertPlayer(p Player) error {
	if p.ID == "" || p.Name == "" {
		return protocol.Errorf(protocol.ErrIntegrity, "player needs id and name")
	}
	if !s.terrain.Occupiable(p.Pos) {
		return protocol.Errorf(protocol.ErrIntegrity, "cell %s is not occupiable", p.Pos)
	}
	key := FoldName(p.Name)
	if owner, ok := s.byName[key]; ok && owner != p.ID {
		return protocol.Errorf(protocol.ErrNameTaken, "name %q is taken", p.Name)
	}
	if old, ok := s.players[p.ID]; ok {
		if oldKey := FoldName(old.Name); oldKey != key {
			delete(s.byName, oldKey)
		}
	}
	cp := p
	s.players[p.ID] = &cp
	s.byName[key] = p.ID
	return nil
}

func (s *Store) RemovePlayer(id string) (Player, bool) {
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	delete(s.players, id)
	delete(s.byName, FoldName(p.Name))
	return *p, true
}

// Players 按名字排序的快照
func (s *Store) Players() []Player {
	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) PlayerCount() int { return len(s.players) }

// NPCs 返回副本
func (s *Store) NPCs() []NPC {
	out := make([]NPC, 0, len(s.npcs))
	for _, n := range s.npcs {
		cp := *n
		cp.Path = append([]Cell(nil), n.Path...)
		out = append(out, cp)
	}
	return out
}

// FindNPC 按 id 或名字（大小写不敏感）查找
func (s *Store) FindNPC(key string) (NPC, bool) {
	folded := FoldName(key)
	for _, n := range s.npcs {
		if n.ID == key || FoldName(n.Name) == folded {
			return *n, true
		}
	}
	return NPC{}, false
}

// Walk 从 from 沿 dir 逐格走最多 steps 步，遇到第一格不可站立即停
// 纯函数：只读地形，返回终点与实际步数
func (s *Store) Walk(from Cell, dir protocol.Direction, steps int) (Cell, int) {
	dx, dy := dir.Delta()
	cur := from
	taken := 0
	for i := 0; i < steps; i++ {
		next := cur.Add(dx, dy)
		if !s.terrain.Occupiable(next) {
			break
		}
		cur = next
		taken++
	}
	return cur, taken
}

// MovePlayer 移动并返回新状态；调用方负责先用 Walk 计算合法终点
func (s *Store) MovePlayer(id string, to Cell, dir protocol.Direction) (Player, error) {
	p, ok := s.players[id]
	if !ok {
		return Player{}, protocol.Errorf(protocol.ErrNotJoined, "no such player")
	}
	if !s.terrain.Occupiable(to) {
		return Player{}, protocol.Errorf(protocol.ErrIntegrity, "cell %s is not occupiable", to)
	}
	p.Pos = to
	p.Dir = dir
	return *p, nil
}

// Nearby 半径内的其他玩家和 NPC，按距离排序
func (s *Store) Nearby(center Cell, radius int, excludeID string) ([]Player, []NPC) {
	r := float64(radius)
	var ps []Player
	for _, p := range s.players {
		if p.ID == excludeID || p.Pos.Dist(center) > r {
			continue
		}
		ps = append(ps, *p)
	}
	sort.Slice(ps, func(i, j int) bool {
		di, dj := ps[i].Pos.Dist(center), ps[j].Pos.Dist(center)
		if di != dj {
			return di < dj
		}
		return ps[i].Name < ps[j].Name
	})
	var ns []NPC
	for _, n := range s.npcs {
		if n.Pos.Dist(center) <= r {
			ns = append(ns, *n)
		}
	}
	sort.Slice(ns, func(i, j int) bool {
		di, dj := ns[i].Pos.Dist(center), ns[j].Pos.Dist(center)
		if di != dj {
			return di < dj
		}
		return ns[i].ID < ns[j].ID
	})
	return ps, ns
}

// AdvanceNPCs 推进所有 NPC 一步，返回本 tick 移动过的 NPC 快照
func (s *Store) AdvanceNPCs(rng *rand.Rand, wanderChance float64) []NPC {
	var moved []NPC
	for _, n := range s.npcs {
		if n.advance(s.terrain, rng, wanderChance) {
			cp := *n
			cp.Path = nil
			moved = append(moved, cp)
		}
	}
	return moved
}
