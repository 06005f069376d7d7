package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"clawworld/protocol"
)

const headerAgentID = "x-agent-id"

// Bridge 工具调用落到与 WebSocket 相同的命令集上
type Bridge interface {
	Call(ctx context.Context, sessionKey string, cmd protocol.Command) (any, error)
	ReadChat(ctx context.Context, sessionKey string, limit int) ([]json.RawMessage, error)
}

type Config struct {
	Bridge Bridge
	// Authorize 为空时不校验
	Authorize func(r *http.Request) bool
	Log       *zap.SugaredLogger
}

type Server struct {
	bridge    Bridge
	authorize func(r *http.Request) bool
	log       *zap.SugaredLogger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{bridge: cfg.Bridge, authorize: cfg.Authorize, log: log}, nil
}

func (s *Server) Handler() http.Handler { return http.HandlerFunc(s.handleMCP) }

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.authorize != nil && !s.authorize(r) {
		rw.WriteHeader(http.StatusUnauthorized)
		_, _ = rw.Write([]byte("invalid api key"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	sessionKey := strings.TrimSpace(r.Header.Get(headerAgentID))
	if sessionKey == "" {
		sessionKey = "default"
	}

	var resp rpcResponse
	req, err := parseRPCRequest(body)
	if err != nil {
		resp = rpcErr(nil, codeParse, "bad jsonrpc request", err.Error())
	} else {
		resp = s.dispatch(r.Context(), sessionKey, req)
	}
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, sessionKey string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "clawworld", "version": protocol.Version},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "list_tools", "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "call_tool", "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		if !isKnownTool(p.Name) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, sessionKey, p.Name, p.Arguments)
		if err != nil {
			s.log.Debugf("mcp: tool %s failed for %s: %v", p.Name, sessionKey, err)
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return rpcErr(req.ID, codeToolFailed, pe.Message, map[string]any{"code": pe.Code})
			}
			return rpcErr(req.ID, codeToolFailed, err.Error(), nil)
		}
		return rpcOK(req.ID, out)

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

// toolCommands 工具名到命令名；register 即 join
var toolCommands = map[string]string{
	"register":   "join",
	"status":     "status",
	"look":       "look",
	"players":    "players",
	"chat":       "chat",
	"move":       "move",
	"talk":       "talk",
	"disconnect": "disconnect",
}

func isKnownTool(name string) bool {
	if name == "read_chat" {
		return true
	}
	_, ok := toolCommands[name]
	return ok
}

func (s *Server) callTool(ctx context.Context, sessionKey, name string, args json.RawMessage) (any, error) {
	if name == "read_chat" {
		var p struct {
			Limit int `json:"limit"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		msgs, err := s.bridge.ReadChat(ctx, sessionKey, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs, "count": len(msgs)}, nil
	}

	// 复用结构化协议的解析，参数即 data
	env := struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data,omitempty"`
	}{Command: toolCommands[name], Data: args}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	cmd, err := protocol.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.bridge.Call(ctx, sessionKey, cmd)
}

func emptyObject() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        "register",
			"description": "Create your character and join the world.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":     map[string]any{"type": "string", "maxLength": protocol.MaxNameRunes},
					"species":  map[string]any{"type": "string"},
					"color":    map[string]any{"type": "string"},
					"hueShift": map[string]any{"type": "integer", "minimum": 0, "maximum": 359},
				},
				"required": []string{"name"},
			},
		},
		{"name": "status", "description": "Connection and character status.", "inputSchema": emptyObject()},
		{"name": "look", "description": "Nearby players, NPCs, terrain facts and exits.", "inputSchema": emptyObject()},
		{"name": "players", "description": "Everyone currently online.", "inputSchema": emptyObject()},
		{
			"name":        "chat",
			"description": "Say something to everyone.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
		},
		{
			"name":        "move",
			"description": "Walk up to 16 cells in one direction; stops at the first blocked cell.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"direction": map[string]any{"type": "string", "enum": []string{"n", "s", "e", "w", "north", "south", "east", "west"}},
					"steps":     map[string]any{"type": "integer", "minimum": 1, "maximum": protocol.MaxSteps},
				},
				"required": []string{"direction"},
			},
		},
		{
			"name":        "talk",
			"description": "Talk to a nearby NPC by id or name.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"target": map[string]any{"type": "string"}},
				"required":   []string{"target"},
			},
		},
		{
			"name":        "read_chat",
			"description": "Recent chat messages seen by this session.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"limit": map[string]any{"type": "integer", "minimum": 0}},
			},
		},
		{"name": "disconnect", "description": "Leave the world. Safe to call more than once.", "inputSchema": emptyObject()},
	}
}
