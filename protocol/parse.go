package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/buildkite/shellwords"
)

// MaxSteps 单条 move 命令允许的最大步数
const MaxSteps = 16

// MaxMessageBytes 单条入站消息的最大字节数
const MaxMessageBytes = 8 << 10

// envelope 结构化形式：{"command": "...", "data": {...}}
// 兼容压测脚本的 {"type":"ping"}
type envelope struct {
	Command string          `json:"command"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Parse 把一条原始消息解码为 Command；纯函数，不触碰世界状态
func Parse(raw []byte) (Command, error) {
	if len(raw) > MaxMessageBytes {
		return nil, Errorf(ErrParse, "message too large (%d bytes)", len(raw))
	}
	msg := bytes.TrimSpace(raw)
	if len(msg) == 0 {
		return nil, Errorf(ErrParse, "empty message")
	}
	if msg[0] == '{' {
		return parseStructured(msg)
	}
	return parseLegacy(string(msg))
}

func parseStructured(msg []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, Errorf(ErrParse, "invalid json: %v", err)
	}
	name := strings.ToLower(strings.TrimSpace(env.Command))
	if name == "" {
		if strings.EqualFold(env.Type, "ping") {
			return Ping{}, nil
		}
		return nil, Errorf(ErrParse, "missing command")
	}
	switch name {
	case "join":
		var d joinData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		return d.command(false)
	case "move":
		var d moveData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		return d.command()
	case "look":
		return Look{}, nil
	case "chat":
		var d chatData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		return d.command(), nil
	case "talk":
		var d talkData
		if err := decodeData(env.Data, &d); err != nil {
			return nil, err
		}
		return d.command()
	case "players":
		return Players{}, nil
	case "status":
		return Status{}, nil
	case "disconnect":
		return Disconnect{}, nil
	case "ping":
		return Ping{}, nil
	default:
		return nil, Errorf(ErrParse, "unknown command %q", env.Command)
	}
}

// splitVerb 在第一个空白字符处切开动词与参数
func splitVerb(line string) (string, string) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i:])
}

func parseLegacy(line string) (Command, error) {
	verb, rest := splitVerb(line)
	switch strings.ToUpper(verb) {
	case "CREATE_CHARACTER":
		if !looksLikeJSON(rest) {
			return nil, Errorf(ErrParse, "CREATE_CHARACTER expects a JSON object")
		}
		var d joinData
		if err := decodeData(json.RawMessage(rest), &d); err != nil {
			return nil, err
		}
		return d.command(true)
	case "MOVE":
		if looksLikeJSON(rest) {
			var d moveData
			if err := decodeData(json.RawMessage(rest), &d); err != nil {
				return nil, err
			}
			return d.command()
		}
		args, err := splitArgs(rest)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 || len(args) > 2 {
			return nil, Errorf(ErrParse, "usage: MOVE <n|s|e|w> [steps]")
		}
		d := moveData{Direction: args[0]}
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return nil, Errorf(ErrParse, "steps must be a number")
			}
			d.Steps = n
		}
		return d.command()
	case "LOOK":
		return Look{}, nil
	case "SAY":
		return Chat{Text: SanitizeText(rest)}, nil
	case "TALK":
		if looksLikeJSON(rest) {
			var d talkData
			if err := decodeData(json.RawMessage(rest), &d); err != nil {
				return nil, err
			}
			return d.command()
		}
		args, err := splitArgs(rest)
		if err != nil {
			return nil, err
		}
		return talkData{Target: strings.Join(args, " ")}.command()
	default:
		return nil, Errorf(ErrParse, "unknown verb %q", verb)
	}
}

type joinData struct {
	Name     string `json:"name"`
	Species  string `json:"species"`
	Color    string `json:"color"`
	HueShift *int   `json:"hueShift"`
}

func (d joinData) command(legacy bool) (Command, error) {
	name := SanitizeName(d.Name)
	if name == "" {
		return nil, Errorf(ErrParse, "name required (letters, digits, spaces, '-' or '_')")
	}
	j := Join{
		Name:    name,
		Species: SanitizeName(d.Species),
		Color:   SanitizeName(d.Color),
		Legacy:  legacy,
	}
	if d.HueShift != nil {
		if *d.HueShift < 0 || *d.HueShift > 359 {
			return nil, Errorf(ErrParse, "hueShift must be within 0..359")
		}
		j.HueShift = *d.HueShift
	}
	return j, nil
}

type moveData struct {
	Direction string `json:"direction"`
	Steps     int    `json:"steps"`
}

func (d moveData) command() (Command, error) {
	dir, ok := ParseDirection(d.Direction)
	if !ok {
		return nil, Errorf(ErrParse, "unknown direction %q", d.Direction)
	}
	steps := d.Steps
	if steps == 0 {
		steps = 1
	}
	if steps < 1 || steps > MaxSteps {
		return nil, Errorf(ErrParse, "steps must be within 1..%d", MaxSteps)
	}
	return Move{Direction: dir, Steps: steps}, nil
}

// chatData 机器人脚本用 message，网页客户端用 text
type chatData struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

func (d chatData) command() Command {
	text := d.Text
	if text == "" {
		text = d.Message
	}
	return Chat{Text: SanitizeText(text)}
}

type talkData struct {
	Target string `json:"target"`
	NPC    string `json:"npc"`
}

func (d talkData) command() (Command, error) {
	target := strings.TrimSpace(d.Target)
	if target == "" {
		target = strings.TrimSpace(d.NPC)
	}
	if target == "" {
		return nil, Errorf(ErrParse, "usage: TALK <npc>")
	}
	return Talk{Target: target}, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Errorf(ErrParse, "invalid payload: %v", err)
	}
	return nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

func splitArgs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	args, err := shellwords.SplitPosix(s)
	if err != nil {
		return nil, Errorf(ErrParse, "bad arguments: %v", err)
	}
	return args, nil
}
