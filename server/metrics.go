package server

import (
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// LatencyStats 窗口内的时延分布（毫秒）
type LatencyStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

type sample struct {
	at time.Time
	v  time.Duration
}

// window 固定容量的滑动窗口，超过时长或容量的旧样本被丢弃
type window struct {
	mu      sync.Mutex
	span    time.Duration
	cap     int
	samples []sample
}

func newWindow(span time.Duration, capacity int) *window {
	return &window{span: span, cap: capacity}
}

func (w *window) add(v time.Duration) {
	now := time.Now()
	w.mu.Lock()
	w.samples = append(w.samples, sample{at: now, v: v})
	w.pruneLocked(now)
	w.mu.Unlock()
}

func (w *window) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(w.samples) && now.Sub(w.samples[cut].at) > w.span {
		cut++
	}
	if over := len(w.samples) - cut - w.cap; over > 0 {
		cut += over
	}
	if cut > 0 {
		w.samples = append(w.samples[:0], w.samples[cut:]...)
	}
}

func (w *window) stats() LatencyStats {
	w.mu.Lock()
	w.pruneLocked(time.Now())
	vals := make([]time.Duration, len(w.samples))
	for i, s := range w.samples {
		vals[i] = s.v
	}
	w.mu.Unlock()
	return summarize(vals)
}

func summarize(vals []time.Duration) LatencyStats {
	if len(vals) == 0 {
		return LatencyStats{}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	var total time.Duration
	for _, v := range vals {
		total += v
	}
	return LatencyStats{
		Count: len(vals),
		Avg:   ms(total / time.Duration(len(vals))),
		P50:   ms(percentile(vals, 0.50)),
		P95:   ms(percentile(vals, 0.95)),
		P99:   ms(percentile(vals, 0.99)),
		Max:   ms(vals[len(vals)-1]),
	}
}

// percentile 最近秩法，vals 已升序
func percentile(vals []time.Duration, p float64) time.Duration {
	idx := int(float64(len(vals))*p+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Monitor 服务运行期指标：连接、命令、广播、心跳、tick
// 全部方法并发安全，热路径只做原子操作或短临界区
type Monitor struct {
	started time.Time
	budget  time.Duration

	ConnectAttempts  int64
	ConnectSucceeded int64
	ActiveConns      int64
	Players          int64
	Commands         int64
	ParseErrors      int64
	Timeouts         int64
	RateLimited      int64
	Evictions        int64
	PingFailures     int64
	DeltasPublished  int64
	FramesQueued     int64
	FramesDropped    int64
	TickCount        int64 // NPC tick 次数
	TotalTickNs      int64 // Tick 累计耗时（纳秒）

	mu          sync.Mutex
	rejects     map[string]int64 // 拒绝原因 -> 次数
	dropReasons map[string]int64
	closeReason map[string]int64

	rtt      *window
	delivery *window
	command  *window

	proc *process.Process
}

func NewMonitor(span, budget time.Duration) *Monitor {
	const capacity = 16384
	m := &Monitor{
		started:     time.Now(),
		budget:      budget,
		rejects:     make(map[string]int64),
		dropReasons: make(map[string]int64),
		closeReason: make(map[string]int64),
		rtt:         newWindow(span, capacity),
		delivery:    newWindow(span, capacity),
		command:     newWindow(span, capacity),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}
	return m
}

func (m *Monitor) IncConnectAttempt() { atomic.AddInt64(&m.ConnectAttempts, 1) }

func (m *Monitor) ConnOpened() {
	atomic.AddInt64(&m.ConnectSucceeded, 1)
	atomic.AddInt64(&m.ActiveConns, 1)
}

func (m *Monitor) ConnClosed(reason string) {
	atomic.AddInt64(&m.ActiveConns, -1)
	m.bump(m.closeReason, reason)
}

func (m *Monitor) ConnRejected(reason string) { m.bump(m.rejects, reason) }

func (m *Monitor) SetPlayers(n int) { atomic.StoreInt64(&m.Players, int64(n)) }

func (m *Monitor) IncParseError()  { atomic.AddInt64(&m.ParseErrors, 1) }
func (m *Monitor) IncTimeout()     { atomic.AddInt64(&m.Timeouts, 1) }
func (m *Monitor) IncRateLimited() { atomic.AddInt64(&m.RateLimited, 1) }
func (m *Monitor) IncEviction()    { atomic.AddInt64(&m.Evictions, 1) }
func (m *Monitor) IncPingFailure() { atomic.AddInt64(&m.PingFailures, 1) }

// ObserveCommand 从收到到回复入队的耗时
func (m *Monitor) ObserveCommand(d time.Duration) {
	atomic.AddInt64(&m.Commands, 1)
	m.command.add(d)
}

func (m *Monitor) ObserveRTT(d time.Duration) { m.rtt.add(d) }

// ObserveDelivery 广播帧从入队到写出套接字的耗时
func (m *Monitor) ObserveDelivery(d time.Duration) { m.delivery.add(d) }

// ObservePublish 记录一次扇出的结果
func (m *Monitor) ObservePublish(rep DeliveryReport) {
	atomic.AddInt64(&m.DeltasPublished, int64(rep.Deltas))
	atomic.AddInt64(&m.FramesQueued, int64(rep.Queued))
	atomic.AddInt64(&m.FramesDropped, int64(rep.Dropped))
	if rep.Dropped == 0 {
		return
	}
	m.mu.Lock()
	for reason, n := range rep.Reasons {
		m.dropReasons[reason] += int64(n)
	}
	m.mu.Unlock()
}

func (m *Monitor) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

func (m *Monitor) bump(set map[string]int64, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	set[reason]++
	m.mu.Unlock()
}

// ProcessStats 进程资源占用（gopsutil），采集失败时为零值
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// Snapshot 只读副本，/metrics 与 /health 输出
type Snapshot struct {
	UptimeS          float64          `json:"uptime_s"`
	ConnectAttempts  int64            `json:"connect_attempts"`
	ConnectSucceeded int64            `json:"connect_succeeded"`
	ConnectSuccess   float64          `json:"connect_success_rate"`
	ActiveConns      int64            `json:"active_connections"`
	Players          int64            `json:"players"`
	Commands         int64            `json:"commands"`
	ParseErrors      int64            `json:"parse_errors"`
	Timeouts         int64            `json:"timeouts"`
	RateLimited      int64            `json:"rate_limited"`
	Evictions        int64            `json:"evictions"`
	PingFailures     int64            `json:"ping_failures"`
	DeltasPublished  int64            `json:"deltas_published"`
	FramesQueued     int64            `json:"frames_queued"`
	FramesDropped    int64            `json:"frames_dropped"`
	DropReasons      map[string]int64 `json:"drop_reasons"`
	Rejects          map[string]int64 `json:"connect_rejects"`
	CloseReasons     map[string]int64 `json:"close_reasons"`
	TickCount        int64            `json:"tick_count"`
	AvgTickMs        float64          `json:"avg_tick_ms"`
	RTT              LatencyStats     `json:"rtt"`
	Delivery         LatencyStats     `json:"delivery"`
	Command          LatencyStats     `json:"command"`
	LatencyBudgetMs  float64          `json:"latency_budget_ms"`
	WithinBudget     bool             `json:"within_budget"`
	Process          ProcessStats     `json:"process"`
}

func (m *Monitor) Snapshot() Snapshot {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	attempts := atomic.LoadInt64(&m.ConnectAttempts)
	ok := atomic.LoadInt64(&m.ConnectSucceeded)
	rate := 1.0
	if attempts > 0 {
		rate = float64(ok) / float64(attempts)
	}

	s := Snapshot{
		UptimeS:          time.Since(m.started).Seconds(),
		ConnectAttempts:  attempts,
		ConnectSucceeded: ok,
		ConnectSuccess:   rate,
		ActiveConns:      atomic.LoadInt64(&m.ActiveConns),
		Players:          atomic.LoadInt64(&m.Players),
		Commands:         atomic.LoadInt64(&m.Commands),
		ParseErrors:      atomic.LoadInt64(&m.ParseErrors),
		Timeouts:         atomic.LoadInt64(&m.Timeouts),
		RateLimited:      atomic.LoadInt64(&m.RateLimited),
		Evictions:        atomic.LoadInt64(&m.Evictions),
		PingFailures:     atomic.LoadInt64(&m.PingFailures),
		DeltasPublished:  atomic.LoadInt64(&m.DeltasPublished),
		FramesQueued:     atomic.LoadInt64(&m.FramesQueued),
		FramesDropped:    atomic.LoadInt64(&m.FramesDropped),
		TickCount:        tick,
		AvgTickMs:        avgMs,
		RTT:              m.rtt.stats(),
		Delivery:         m.delivery.stats(),
		Command:          m.command.stats(),
		LatencyBudgetMs:  ms(m.budget),
		Process:          m.processStats(),
	}
	s.WithinBudget = m.budget <= 0 || s.Delivery.P95 <= s.LatencyBudgetMs

	m.mu.Lock()
	s.DropReasons = copyCounts(m.dropReasons)
	s.Rejects = copyCounts(m.rejects)
	s.CloseReasons = copyCounts(m.closeReason)
	m.mu.Unlock()
	return s
}

func (m *Monitor) processStats() ProcessStats {
	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if m.proc == nil {
		return ps
	}
	if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
		ps.RSSBytes = mi.RSS
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := m.proc.NumThreads(); err == nil {
		ps.Threads = n
	}
	return ps
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
