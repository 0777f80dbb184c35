// Package stdio serves the controller over line-delimited JSON-RPC 2.0:
// one request object per line on stdin, one response object per line on
// stdout. The method is the verb id; params carry the call envelope fields
// alongside the verb arguments. Requests are served sequentially, which is
// what gives each session its one-in-flight-call guarantee.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// JSON-RPC 2.0 protocol error codes. Protocol errors never touch session
// state; everything past decoding is answered with a full verb envelope.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// maxLineBytes bounds a single request line. Plan graphs dominate request
// size; 16 MiB leaves an order of magnitude of headroom over real plans.
const maxLineBytes = 16 << 20

// envelopeKeys are the params fields that belong to the call envelope, not
// to the verb. They are stripped before the arguments reach a handler.
var envelopeKeys = []string{"runSessionId", "workId", "agentId", "traceParent", "deadlineMs"}

// Handler is the dispatch surface the transport drives. The controller
// satisfies it; tests substitute fakes.
type Handler interface {
	Handle(ctx context.Context, verb contracts.Verb, args map[string]any, env contracts.CallEnvelope) contracts.Response
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Server reads requests from in and writes responses to out.
type Server struct {
	handler Handler
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger

	writeMu sync.Mutex
}

// NewServer builds a transport over the given streams. A nil logger falls
// back to slog.Default.
func NewServer(handler Handler, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		in:      in,
		out:     out,
		logger:  logger.With("component", "stdio"),
	}
}

// Serve runs the read loop until EOF, a read error, or context cancellation.
// EOF is the clean shutdown path and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio: read: %w", err)
	}
	s.logger.Info("stdin closed, transport shutting down")
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.replyError(nil, codeParseError, fmt.Sprintf("parse error: %v", err), nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.replyError(req.ID, codeInvalidRequest,
			`invalid request: jsonrpc must be "2.0" and method is required`, nil)
		return
	}

	verb := contracts.Verb(req.Method)
	if !knownVerb(verb) {
		s.replyError(req.ID, codeMethodNotFound,
			fmt.Sprintf("unknown verb %q", req.Method), contracts.AllVerbs())
		return
	}

	var raw map[string]any
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &raw); err != nil {
			s.replyError(req.ID, codeInvalidRequest,
				fmt.Sprintf("params must be a JSON object: %v", err), nil)
			return
		}
	}
	env, args := splitParams(raw)

	cctx := ctx
	if env.DeadlineMs > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(env.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	resp := s.handler.Handle(cctx, verb, args, env)
	s.reply(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: resp})
}

// splitParams separates the call envelope from the verb arguments so
// handlers never see transport identity fields in their args.
func splitParams(raw map[string]any) (contracts.CallEnvelope, map[string]any) {
	if raw == nil {
		raw = map[string]any{}
	}
	env := contracts.CallEnvelope{}
	if v, ok := raw["runSessionId"].(string); ok {
		env.RunSessionID = v
	}
	if v, ok := raw["workId"].(string); ok {
		env.WorkID = v
	}
	if v, ok := raw["agentId"].(string); ok {
		env.AgentID = v
	}
	if v, ok := raw["traceParent"].(string); ok {
		env.TraceParent = v
	}
	switch v := raw["deadlineMs"].(type) {
	case float64:
		env.DeadlineMs = int(v)
	case int:
		env.DeadlineMs = v
	}
	for _, k := range envelopeKeys {
		delete(raw, k)
	}
	return env, raw
}

func knownVerb(v contracts.Verb) bool {
	for _, k := range contracts.AllVerbs() {
		if k == v {
			return true
		}
	}
	return false
}

func (s *Server) replyError(id any, code int, msg string, data any) {
	s.reply(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) reply(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("response write failed", "error", err)
	}
}
