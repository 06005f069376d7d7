package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// JournalEntry 一条已广播的增量：顺序号 + 已编码的事件
type JournalEntry struct {
	Seq   uint64          `json:"seq"`
	Kind  string          `json:"kind"`
	At    int64           `json:"at"`
	Event json.RawMessage `json:"event"`
}

// Journal 按小时滚动的 zstd 压缩 JSONL 增量日志
// Append 非阻塞，写盘在独立协程
type Journal struct {
	baseDir string
	prefix  string
	log     *zap.SugaredLogger

	ch      chan []JournalEntry
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	now     func() time.Time
}

func OpenJournal(dir string, log *zap.SugaredLogger) *Journal {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	j := &Journal{
		baseDir: dir,
		prefix:  "deltas",
		log:     log,
		ch:      make(chan []JournalEntry, 1024),
		now:     time.Now,
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j
}

// Append 队列满时丢弃整批并计数
func (j *Journal) Append(batch []JournalEntry) {
	if len(batch) == 0 {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- batch:
	default:
		j.dropped.Add(int64(len(batch)))
	}
}

func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.ch)
		j.mu.Unlock()
		j.wg.Wait()
		err = j.closeFile()
	})
	return err
}

func (j *Journal) loop() {
	for batch := range j.ch {
		if err := j.write(batch); err != nil {
			j.log.Warnf("journal: write %d entries: %v", len(batch), err)
		}
	}
}

func (j *Journal) write(batch []JournalEntry) error {
	hour := j.now().UTC().Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotate(hour); err != nil {
			return err
		}
	}
	for _, e := range batch {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := j.w.Write(b); err != nil {
			return err
		}
		if err := j.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return j.w.Flush()
}

func (j *Journal) rotate(hour string) error {
	if err := j.closeFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeFile() error {
	var err error
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.enc != nil {
		err = j.enc.Close()
		j.enc = nil
	}
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return err
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
}

// ReadJournal 解压读取一个日志文件（回放与测试用）
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []JournalEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
