package protocol

import "strings"

// Command 入站命令（封闭变体）：只有本包内的类型能实现
// 处理方通过 type switch 穷举分派
type Command interface {
	Verb() string
	isCommand()
}

// Join 创建角色并绑定到连接；Legacy 表示来自 CREATE_CHARACTER 文本形式
type Join struct {
	Name     string `json:"name"`
	Species  string `json:"species,omitempty"`
	Color    string `json:"color,omitempty"`
	HueShift int    `json:"hueShift,omitempty"`
	Legacy   bool   `json:"-"`
}

// Move 按方向逐格移动，Steps >= 1
type Move struct {
	Direction Direction `json:"direction"`
	Steps     int       `json:"steps"`
}

type Look struct{}

// Chat 全服聊天，Text 已做控制字符清洗（长度校验在处理器）
type Chat struct {
	Text string `json:"text"`
}

// Talk 与附近 NPC 对话，Target 为 NPC 的 id 或名字
type Talk struct {
	Target string `json:"target"`
}

type Players struct{}

type Status struct{}

type Disconnect struct{}

// Ping 应用层心跳，客户端用来测往返时延
type Ping struct{}

func (Join) Verb() string       { return "join" }
func (Move) Verb() string       { return "move" }
func (Look) Verb() string       { return "look" }
func (Chat) Verb() string       { return "chat" }
func (Talk) Verb() string       { return "talk" }
func (Players) Verb() string    { return "players" }
func (Status) Verb() string     { return "status" }
func (Disconnect) Verb() string { return "disconnect" }
func (Ping) Verb() string       { return "ping" }

func (Join) isCommand()       {}
func (Move) isCommand()       {}
func (Look) isCommand()       {}
func (Chat) isCommand()       {}
func (Talk) isCommand()       {}
func (Players) isCommand()    {}
func (Status) isCommand()     {}
func (Disconnect) isCommand() {}
func (Ping) isCommand()       {}

// Direction 网格移动方向
type Direction string

const (
	North Direction = "n"
	South Direction = "s"
	East  Direction = "e"
	West  Direction = "w"
)

// Delta 返回单步位移（y 轴向南为正）
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case North:
		return 0, -1
	case South:
		return 0, 1
	case East:
		return 1, 0
	case West:
		return -1, 0
	}
	return 0, 0
}

// ParseDirection 兼容 n/north/up 等写法
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "north", "up":
		return North, true
	case "s", "south", "down":
		return South, true
	case "e", "east", "right":
		return East, true
	case "w", "west", "left":
		return West, true
	}
	return "", false
}
