package world

import "time"

type DeltaKind int

const (
	DeltaPlayerJoined DeltaKind = iota + 1
	DeltaPlayerMoved
	DeltaPlayerLeft
	DeltaChat
	DeltaNPCMoved
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaPlayerJoined:
		return "player_joined"
	case DeltaPlayerMoved:
		return "player_moved"
	case DeltaPlayerLeft:
		return "player_left"
	case DeltaChat:
		return "chat"
	case DeltaNPCMoved:
		return "npc_moved"
	}
	return "unknown"
}

// Delta 一次状态变化的不可变记录，由广播消费一次后丢弃
// Seq 在串行化点分配，全局单调递增
type Delta struct {
	Seq    uint64
	Kind   DeltaKind
	At     time.Time
	Player Player
	Steps  int
	Text   string
	Reason string
	Tick   uint64
	NPCs   []NPC
}
