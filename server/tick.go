package server

import (
	"time"

	"clawworld/world"
)

// tickNPCs NPC 推进一步；本 tick 所有移动合并为一个 npc_moved 增量
func (r *Room) tickNPCs() {
	start := time.Now()
	tick := r.tickSeq.Add(1)
	moved := r.store.AdvanceNPCs(r.rng, r.cfg.WanderChance)
	if len(moved) > 0 {
		r.emit(world.Delta{Kind: world.DeltaNPCMoved, Tick: tick, NPCs: moved})
	}
	elapsed := time.Since(start)
	r.monitor.AddTick(elapsed.Nanoseconds())
	if elapsed > r.cfg.NPCInterval {
		Log.Warnf("npc tick overrun: tick=%d took=%s interval=%s", tick, elapsed, r.cfg.NPCInterval)
	}
}
