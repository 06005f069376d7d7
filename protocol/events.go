package protocol

// Version 线协议版本，随 welcome 下发
const Version = "1.0"

// 出站消息 type 判别字段
const (
	TypeWelcome          = "welcome"
	TypeJoined           = "joined"
	TypeCharacterCreated = "character_created"
	TypeMoved            = "moved"
	TypeSurroundings     = "surroundings"
	TypeChatSent         = "chat_sent"
	TypePlayers          = "players"
	TypeLeft             = "left"
	TypeNPCDialog        = "npc_dialog"
	TypeStatus           = "status"
	TypePong             = "pong"
	TypeError            = "error"

	// 世界增量（广播）
	TypePlayerJoined = "player_joined"
	TypePlayerMoved  = "player_moved"
	TypePlayerLeft   = "player_left"
	TypeChat         = "chat"
	TypeNPCMoved     = "npc_moved"
)

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type PlayerView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Species   string `json:"species"`
	Color     string `json:"color"`
	HueShift  int    `json:"hueShift"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction string `json:"direction"`
	Online    bool   `json:"online"`
}

type NPCView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Behavior string `json:"behavior"`
	State    string `json:"state"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

type FactView struct {
	X     int      `json:"x"`
	Y     int      `json:"y"`
	Facts []string `json:"facts"`
}

type NearbyPlayer struct {
	PlayerView
	Distance float64 `json:"distance"`
}

type NearbyNPC struct {
	NPCView
	Distance float64 `json:"distance"`
}

type WorldInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ---- 直接回复 ----

type Welcome struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Protocol     string    `json:"protocol"`
	Message      string    `json:"message"`
	World        WorldInfo `json:"world"`
}

// Joined 同时用于 joined 与 character_created
type Joined struct {
	Type    string       `json:"type"`
	Player  PlayerView   `json:"player"`
	Players []PlayerView `json:"players"`
}

type Moved struct {
	Type      string `json:"type"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction string `json:"direction"`
	Requested int    `json:"requested"`
	Steps     int    `json:"steps"`
	Blocked   bool   `json:"blocked"`
}

type Surroundings struct {
	Type     string          `json:"type"`
	Position Position        `json:"position"`
	Radius   int             `json:"radius"`
	Players  []NearbyPlayer  `json:"nearbyPlayers"`
	NPCs     []NearbyNPC     `json:"nearbyNpcs"`
	Facts    []FactView      `json:"facts"`
	Exits    map[string]bool `json:"exits"`
}

type ChatSent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type PlayerList struct {
	Type    string       `json:"type"`
	Count   int          `json:"count"`
	Players []PlayerView `json:"players"`
}

type Left struct {
	Type string `json:"type"`
}

type NPCDialog struct {
	Type string  `json:"type"`
	NPC  NPCView `json:"npc"`
	Text string  `json:"text"`
}

type StatusReply struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connectionId"`
	Joined       bool        `json:"joined"`
	Player       *PlayerView `json:"player,omitempty"`
	Online       int         `json:"online"`
	Tick         uint64      `json:"tick"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorReply struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

func NewErrorReply(err *Error, command string) ErrorReply {
	return ErrorReply{Type: TypeError, Code: err.Code, Message: err.Message, Command: command}
}

// ---- 广播增量，Seq 为串行化顺序号 ----

type PlayerJoined struct {
	Type   string     `json:"type"`
	Seq    uint64     `json:"seq"`
	Player PlayerView `json:"player"`
}

type PlayerMoved struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction string `json:"direction"`
	Steps     int    `json:"steps"`
}

type PlayerLeft struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

type ChatEvent struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

type NPCMoved struct {
	Type string    `json:"type"`
	Seq  uint64    `json:"seq"`
	Tick uint64    `json:"tick"`
	NPCs []NPCView `json:"npcs"`
}
