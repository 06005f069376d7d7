package server

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"clawworld/persist"
	"clawworld/protocol"
	"clawworld/world"
)

// apply 执行一条命令，返回直接回复；失败时不产生任何增量
// 只在世界循环内调用
func (r *Room) apply(conn *Conn, cmd protocol.Command) (any, error) {
	switch c := cmd.(type) {
	case protocol.Join:
		return r.join(conn, c)
	case protocol.Move:
		return r.move(conn, c)
	case protocol.Look:
		return r.look(conn)
	case protocol.Chat:
		return r.chat(conn, c)
	case protocol.Talk:
		return r.talk(conn, c)
	case protocol.Players:
		return r.players(), nil
	case protocol.Status:
		return r.status(conn), nil
	case protocol.Disconnect:
		return r.disconnect(conn), nil
	case protocol.Ping:
		return protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}, nil
	default:
		return nil, protocol.Errorf(protocol.ErrParse, "unsupported command %q", cmd.Verb())
	}
}

// playerFor 连接绑定的角色；未加入返回 E_NOT_JOINED
func (r *Room) playerFor(conn *Conn) (world.Player, error) {
	s, ok := r.sessions[conn.ID]
	if !ok {
		return world.Player{}, protocol.Errorf(protocol.ErrNotJoined, "create a character first")
	}
	p, ok := r.store.PlayerByID(s.playerID)
	if !ok {
		delete(r.sessions, conn.ID)
		return world.Player{}, protocol.Errorf(protocol.ErrIntegrity, "session bound to a missing player")
	}
	return p, nil
}

func (r *Room) join(conn *Conn, j protocol.Join) (any, error) {
	if s, ok := r.sessions[conn.ID]; ok {
		p, found := r.store.PlayerByID(s.playerID)
		if found && world.FoldName(p.Name) == world.FoldName(j.Name) {
			return r.joinedReply(p, j.Legacy), nil
		}
		return nil, protocol.Errorf(protocol.ErrIntegrity, "connection already controls a character; disconnect first")
	}

	if holder, ok := r.store.GetPlayer(j.Name); ok {
		if owner, live := r.registry.Lookup(holder.ConnID); live && !r.stale(owner) {
			return nil, protocol.Errorf(protocol.ErrNameTaken, "name %q is already online", holder.Name)
		}
		// 旧会话已失联，先让它下线再接管名字
		r.dropConnection(holder.ConnID, "replaced")
		if _, still := r.store.GetPlayer(j.Name); still {
			return nil, protocol.Errorf(protocol.ErrIntegrity, "stale holder of %q could not be removed", j.Name)
		}
	}

	p := world.Player{
		ID:       uuid.NewString(),
		Name:     j.Name,
		Species:  j.Species,
		Color:    j.Color,
		HueShift: j.HueShift,
		Pos:      r.store.Spawn(),
		Dir:      protocol.South,
		Online:   true,
		ConnID:   conn.ID,
		JoinedAt: time.Now(),
	}
	if rec, ok := r.known[world.FoldName(j.Name)]; ok {
		if last := (world.Cell{X: rec.X, Y: rec.Y}); r.store.IsOccupiable(last) {
			p.Pos = last
		}
		if p.Species == "" {
			p.Species = rec.Species
		}
		if p.Color == "" {
			p.Color = rec.Color
		}
	}
	if p.Species == "" {
		p.Species = defaultSpecies
	}
	if p.Color == "" {
		p.Color = defaultColor
	}

	if err := r.store.UpsertPlayer(p); err != nil {
		return nil, err
	}
	r.sessions[conn.ID] = session{playerID: p.ID, bot: conn.Bot}
	conn.setPlayerName(p.Name)
	r.emit(world.Delta{Kind: world.DeltaPlayerJoined, Player: p})
	r.monitor.SetPlayers(r.store.PlayerCount())
	Log.Infof("player joined: name=%s conn=%s at=%s bot=%v", p.Name, conn.ID, p.Pos, conn.Bot)
	return r.joinedReply(p, j.Legacy), nil
}

func (r *Room) joinedReply(p world.Player, legacy bool) protocol.Joined {
	typ := protocol.TypeJoined
	if legacy {
		typ = protocol.TypeCharacterCreated
	}
	return protocol.Joined{Type: typ, Player: playerView(p), Players: playerViews(r.store.Players())}
}

// stale 失联、降级或空闲超时的连接不再拥有名字
func (r *Room) stale(c *Conn) bool {
	if !c.Alive() || c.Degraded() {
		return true
	}
	return r.cfg.IdleTimeout > 0 && time.Since(c.LastSeen()) > r.cfg.IdleTimeout
}

func (r *Room) move(conn *Conn, m protocol.Move) (any, error) {
	p, err := r.playerFor(conn)
	if err != nil {
		return nil, err
	}
	to, taken := r.store.Walk(p.Pos, m.Direction, m.Steps)
	if taken > 0 {
		if p, err = r.store.MovePlayer(p.ID, to, m.Direction); err != nil {
			return nil, err
		}
		r.emit(world.Delta{Kind: world.DeltaPlayerMoved, Player: p, Steps: taken})
	}
	return protocol.Moved{
		Type:      protocol.TypeMoved,
		X:         p.Pos.X,
		Y:         p.Pos.Y,
		Direction: string(m.Direction),
		Requested: m.Steps,
		Steps:     taken,
		Blocked:   taken < m.Steps,
	}, nil
}

var exitDirs = [...]protocol.Direction{protocol.North, protocol.South, protocol.East, protocol.West}

func (r *Room) look(conn *Conn) (any, error) {
	p, err := r.playerFor(conn)
	if err != nil {
		return nil, err
	}
	radius := r.cfg.LookRadius
	players, npcs := r.store.Nearby(p.Pos, radius, p.ID)

	out := protocol.Surroundings{
		Type:     protocol.TypeSurroundings,
		Position: protocol.Position{X: p.Pos.X, Y: p.Pos.Y},
		Radius:   radius,
		Players:  make([]protocol.NearbyPlayer, 0, len(players)),
		NPCs:     make([]protocol.NearbyNPC, 0, len(npcs)),
		Facts:    []protocol.FactView{},
		Exits:    make(map[string]bool, len(exitDirs)),
	}
	for _, o := range players {
		out.Players = append(out.Players, protocol.NearbyPlayer{PlayerView: playerView(o), Distance: o.Pos.Dist(p.Pos)})
	}
	for _, n := range npcs {
		out.NPCs = append(out.NPCs, protocol.NearbyNPC{NPCView: npcView(n), Distance: n.Pos.Dist(p.Pos)})
	}
	for _, cf := range r.store.Terrain().Within(p.Pos, radius, r.cfg.LookFactLimit) {
		out.Facts = append(out.Facts, protocol.FactView{X: cf.Cell.X, Y: cf.Cell.Y, Facts: cf.Fact.Names()})
	}
	for _, d := range exitDirs {
		dx, dy := d.Delta()
		out.Exits[string(d)] = r.store.IsOccupiable(p.Pos.Add(dx, dy))
	}
	return out, nil
}

func (r *Room) chat(conn *Conn, c protocol.Chat) (any, error) {
	p, err := r.playerFor(conn)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return nil, protocol.Errorf(protocol.ErrInvalidChat, "message is empty")
	}
	if n := utf8.RuneCountInString(text); n > r.cfg.ChatMaxLen {
		return nil, protocol.Errorf(protocol.ErrInvalidChat, "message is %d characters, max %d", n, r.cfg.ChatMaxLen)
	}
	r.emit(world.Delta{Kind: world.DeltaChat, Player: p, Text: text})
	if r.saver != nil {
		r.saver.AppendChat(persist.ChatRecord{Player: p.Name, Text: text, X: p.Pos.X, Y: p.Pos.Y})
	}
	return protocol.ChatSent{Type: protocol.TypeChatSent, Text: text}, nil
}

func (r *Room) talk(conn *Conn, t protocol.Talk) (any, error) {
	p, err := r.playerFor(conn)
	if err != nil {
		return nil, err
	}
	npc, ok := r.store.FindNPC(t.Target)
	if !ok || npc.Pos.Dist(p.Pos) > float64(r.cfg.LookRadius) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "nobody called %q is nearby", t.Target)
	}
	return protocol.NPCDialog{Type: protocol.TypeNPCDialog, NPC: npcView(npc), Text: npc.Dialog}, nil
}

// players 只读名单，未加入也可查询
func (r *Room) players() protocol.PlayerList {
	list := playerViews(r.store.Players())
	return protocol.PlayerList{Type: protocol.TypePlayers, Count: len(list), Players: list}
}

// status 未加入也可查询
func (r *Room) status(conn *Conn) protocol.StatusReply {
	out := protocol.StatusReply{
		Type:         protocol.TypeStatus,
		ConnectionID: conn.ID,
		Online:       r.store.PlayerCount(),
		Tick:         r.tickSeq.Load(),
	}
	if s, ok := r.sessions[conn.ID]; ok {
		if p, found := r.store.PlayerByID(s.playerID); found {
			v := playerView(p)
			out.Joined = true
			out.Player = &v
		}
	}
	return out
}

// disconnect 幂等：未加入时同样返回 left
func (r *Room) disconnect(conn *Conn) protocol.Left {
	if s, ok := r.sessions[conn.ID]; ok {
		r.detach(conn.ID, s, "disconnect")
	}
	return protocol.Left{Type: protocol.TypeLeft}
}
