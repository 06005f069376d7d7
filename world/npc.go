package world

import (
	"math/rand/v2"

	"clawworld/protocol"
)

type Behavior string

const (
	BehaviorWander     Behavior = "wander"
	BehaviorPatrol     Behavior = "patrol"
	BehaviorStationary Behavior = "stationary"
)

type MoveState string

const (
	StateIdle       MoveState = "idle"
	StatePatrolling MoveState = "patrolling"
)

// NPC 只由 NPC Tick 修改
type NPC struct {
	ID        string
	Name      string
	Behavior  Behavior
	State     MoveState
	Pos       Cell
	Path      []Cell
	PathIndex int
	Dialog    string
}

var wanderDirs = [...]protocol.Direction{protocol.North, protocol.South, protocol.East, protocol.West}

// advance 推进一步，返回是否移动；无路径或受阻时原地不动
func (n *NPC) advance(t *Terrain, rng *rand.Rand, wanderChance float64) bool {
	switch n.Behavior {
	case BehaviorPatrol:
		if len(n.Path) == 0 {
			n.State = StateIdle
			return false
		}
		n.State = StatePatrolling
		if n.Pos == n.Path[n.PathIndex] {
			n.PathIndex = (n.PathIndex + 1) % len(n.Path)
		}
		next, ok := stepToward(t, n.Pos, n.Path[n.PathIndex])
		if !ok {
			// 两个方向都走不通，停在原地等下一 tick
			n.State = StateIdle
			return false
		}
		n.Pos = next
		return true
	case BehaviorWander:
		n.State = StateIdle
		if rng.Float64() >= wanderChance {
			return false
		}
		dx, dy := wanderDirs[rng.IntN(len(wanderDirs))].Delta()
		next := n.Pos.Add(dx, dy)
		if !t.Occupiable(next) {
			return false
		}
		n.Pos = next
		return true
	default:
		n.State = StateIdle
		return false
	}
}

// stepToward 先走差值大的轴，走不通再试另一轴
func stepToward(t *Terrain, from, to Cell) (Cell, bool) {
	dx, dy := sign(to.X-from.X), sign(to.Y-from.Y)
	if dx == 0 && dy == 0 {
		return from, false
	}
	first, second := Cell{X: from.X + dx, Y: from.Y}, Cell{X: from.X, Y: from.Y + dy}
	if abs(to.Y-from.Y) > abs(to.X-from.X) {
		first, second = second, first
	}
	for _, c := range []Cell{first, second} {
		if c != from && t.Occupiable(c) {
			return c, true
		}
	}
	return from, false
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
