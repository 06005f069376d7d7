package server

import (
	"time"

	"clawworld/persist"
	"clawworld/world"
)

// 丢弃原因
const (
	dropBackpressure = "backpressure"
	dropClosed       = "closed"
	dropDegraded     = "degraded"
)

// DeliveryReport 一次扇出的结果；Evict 为需要驱逐的降级连接
type DeliveryReport struct {
	Deltas     int
	Recipients int
	Queued     int
	Dropped    int
	Reasons    map[string]int
	Evict      []string
}

// DeltaJournal 已广播增量的落盘端，Append 必须非阻塞
type DeltaJournal interface {
	Append(batch []persist.JournalEntry)
	Dropped() int64
}

// Broadcaster 把一批增量按顺序扇出到所有订阅连接
// 每个增量只编码一次；入队非阻塞，慢连接不会拖住其他人
type Broadcaster struct {
	registry *Registry
	monitor  *Monitor
	journal  DeltaJournal
}

func NewBroadcaster(reg *Registry, mon *Monitor, j DeltaJournal) *Broadcaster {
	return &Broadcaster{registry: reg, monitor: mon, journal: j}
}

// Publish 只由世界循环调用，保证全局顺序
func (b *Broadcaster) Publish(batch []world.Delta) DeliveryReport {
	rep := DeliveryReport{Deltas: len(batch)}
	if len(batch) == 0 {
		return rep
	}
	now := time.Now()
	frames := make([][]byte, 0, len(batch))
	var entries []persist.JournalEntry
	for _, d := range batch {
		data := encode(deltaEvent(d))
		if data == nil {
			continue
		}
		frames = append(frames, data)
		if b.journal != nil {
			entries = append(entries, persist.JournalEntry{
				Seq:   d.Seq,
				Kind:  d.Kind.String(),
				At:    d.At.UnixMilli(),
				Event: data,
			})
		}
	}

	b.registry.ForEach(func(c *Conn) {
		if !c.Subscribed() {
			return
		}
		rep.Recipients++
		// 已降级的连接不再投递，本批全部记为丢弃并立即驱逐
		if c.Degraded() {
			rep.drop(c.ID, dropDegraded, len(frames))
			return
		}
		for i, data := range frames {
			if c.Send(Frame{Data: data, At: now, Broadcast: true}) {
				rep.Queued++
				continue
			}
			// 后续帧不再尝试，整条连接交给驱逐
			reason := dropBackpressure
			if !c.Alive() {
				reason = dropClosed
			}
			rep.drop(c.ID, reason, len(frames)-i)
			return
		}
	})

	if b.journal != nil {
		b.journal.Append(entries)
	}
	if b.monitor != nil {
		b.monitor.ObservePublish(rep)
	}
	if rep.Dropped > 0 {
		Log.Warnf("broadcast: %d deltas, %d frames dropped, evicting %d connections", rep.Deltas, rep.Dropped, len(rep.Evict))
	}
	return rep
}

func (rep *DeliveryReport) drop(connID, reason string, n int) {
	if rep.Reasons == nil {
		rep.Reasons = make(map[string]int)
	}
	rep.Dropped += n
	rep.Reasons[reason] += n
	rep.Evict = append(rep.Evict, connID)
}
