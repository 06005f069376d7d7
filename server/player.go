package server

import (
	"encoding/json"

	"clawworld/persist"
	"clawworld/protocol"
	"clawworld/world"
)

const (
	defaultSpecies = "lobster"
	defaultColor   = "red"
)

// playerView 权威状态到线上视图的转换，出口处统一做一次
func playerView(p world.Player) protocol.PlayerView {
	return protocol.PlayerView{
		ID:        p.ID,
		Name:      p.Name,
		Species:   p.Species,
		Color:     p.Color,
		HueShift:  p.HueShift,
		X:         p.Pos.X,
		Y:         p.Pos.Y,
		Direction: string(p.Dir),
		Online:    p.Online,
	}
}

func playerViews(ps []world.Player) []protocol.PlayerView {
	out := make([]protocol.PlayerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, playerView(p))
	}
	return out
}

func npcView(n world.NPC) protocol.NPCView {
	return protocol.NPCView{
		ID:       n.ID,
		Name:     n.Name,
		Behavior: string(n.Behavior),
		State:    string(n.State),
		X:        n.Pos.X,
		Y:        n.Pos.Y,
	}
}

func npcViews(ns []world.NPC) []protocol.NPCView {
	out := make([]protocol.NPCView, 0, len(ns))
	for _, n := range ns {
		out = append(out, npcView(n))
	}
	return out
}

// deltaEvent 增量对应的广播事件
func deltaEvent(d world.Delta) any {
	switch d.Kind {
	case world.DeltaPlayerJoined:
		return protocol.PlayerJoined{Type: protocol.TypePlayerJoined, Seq: d.Seq, Player: playerView(d.Player)}
	case world.DeltaPlayerMoved:
		return protocol.PlayerMoved{
			Type:      protocol.TypePlayerMoved,
			Seq:       d.Seq,
			ID:        d.Player.ID,
			Name:      d.Player.Name,
			X:         d.Player.Pos.X,
			Y:         d.Player.Pos.Y,
			Direction: string(d.Player.Dir),
			Steps:     d.Steps,
		}
	case world.DeltaPlayerLeft:
		return protocol.PlayerLeft{Type: protocol.TypePlayerLeft, Seq: d.Seq, ID: d.Player.ID, Name: d.Player.Name, Reason: d.Reason}
	case world.DeltaChat:
		return protocol.ChatEvent{
			Type: protocol.TypeChat,
			Seq:  d.Seq,
			ID:   d.Player.ID,
			Name: d.Player.Name,
			Text: d.Text,
			X:    d.Player.Pos.X,
			Y:    d.Player.Pos.Y,
		}
	case world.DeltaNPCMoved:
		return protocol.NPCMoved{Type: protocol.TypeNPCMoved, Seq: d.Seq, Tick: d.Tick, NPCs: npcViews(d.NPCs)}
	}
	return nil
}

// playerRecord 下线时写入持久化的记录
func playerRecord(p world.Player, bot bool) persist.PlayerRecord {
	return persist.PlayerRecord{
		Key:      world.FoldName(p.Name),
		Name:     p.Name,
		Species:  p.Species,
		Color:    p.Color,
		HueShift: p.HueShift,
		X:        p.Pos.X,
		Y:        p.Pos.Y,
		IsBot:    bot,
	}
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		Log.Errorf("encode %T: %v", v, err)
		return nil
	}
	return b
}
