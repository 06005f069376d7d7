package server

import (
	"sync/atomic"
	"time"

	"clawworld/protocol"
)

const (
	inputPending int32 = iota
	inputTaken
	inputExpired
)

// Input 一条待串行化执行的命令，由连接读协程提交，世界循环消费
// state 保证“执行”与“超时”二者只发生其一
type Input struct {
	ConnID   string
	Command  protocol.Command
	Received time.Time

	state atomic.Int32
	done  chan Reply
}

// Reply 命令的直接回复；Err 非空时 Event 为对应的 error 事件
type Reply struct {
	Event any
	Err   *protocol.Error
}

func newInput(connID string, cmd protocol.Command) *Input {
	return &Input{
		ConnID:   connID,
		Command:  cmd,
		Received: time.Now(),
		done:     make(chan Reply, 1),
	}
}

// take 世界循环开始执行前调用；已超时的输入返回 false
func (in *Input) take() bool { return in.state.CompareAndSwap(inputPending, inputTaken) }

// expire 提交方超时调用；已开始执行的输入返回 false，调用方需等待回复
func (in *Input) expire() bool { return in.state.CompareAndSwap(inputPending, inputExpired) }

func (in *Input) resolve(r Reply) { in.done <- r }
