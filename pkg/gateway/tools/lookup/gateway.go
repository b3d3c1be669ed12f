// Package lookup executes backend-declared function calls against the external
// lookup service. Every invocation yields exactly one Result; failures are
// values, never returned errors, so the caller can always answer the backend.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/profile"
)

const defaultTimeout = 8 * time.Second

// Failure codes carried by Result.Code.
const (
	CodeTimeout          = "tool_timeout"
	CodeLookupFailed     = "lookup_failed"
	CodeLookupStatus     = "lookup_status"
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeUnconfigured     = "lookup_unconfigured"
	CodeSessionClosed    = "session_closed"
)

// Looker is the transport used to reach the lookup service.
type Looker interface {
	Configured() bool
	Lookup(ctx context.Context, in Request) (json.RawMessage, error)
}

// Result is the resolution of one tool call.
type Result struct {
	CallID   string
	Tool     string
	Data     json.RawMessage
	Failed   bool
	Code     string
	Message  string
	Duration time.Duration
}

type failureOutput struct {
	Error failureBody `json:"error"`
}

type failureBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Output renders the result as the function-result payload sent to the backend.
func (r Result) Output() string {
	if !r.Failed {
		if len(r.Data) == 0 {
			return "{}"
		}
		return string(r.Data)
	}
	b, err := json.Marshal(failureOutput{Error: failureBody{Code: r.Code, Message: r.Message}})
	if err != nil {
		return `{"error":{"code":"` + CodeLookupFailed + `"}}`
	}
	return string(b)
}

// Failure builds a failed Result for callID.
func Failure(req protocol.ToolCallRequest, code, message string) Result {
	return Result{CallID: req.CallID, Tool: req.Name, Failed: true, Code: code, Message: message}
}

type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Gateway resolves tool calls for the tools declared in the agent profile.
type Gateway struct {
	looker  Looker
	tools   map[string]profile.Tool
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewGateway(looker Looker, tools []profile.Tool, opts Options) *Gateway {
	g := &Gateway{
		looker:  looker,
		tools:   make(map[string]profile.Tool, len(tools)),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	for _, tool := range tools {
		g.tools[strings.TrimSpace(tool.Name)] = tool
	}
	return g
}

// Invoke performs one lookup for req. It waits at most the configured timeout
// and never retries.
func (g *Gateway) Invoke(ctx context.Context, req protocol.ToolCallRequest) Result {
	start := time.Now()
	res := g.invoke(ctx, req)
	res.Duration = time.Since(start)

	outcome := "ok"
	if res.Failed {
		outcome = res.Code
		g.logger.Warn("tool call failed",
			"tool", req.Name,
			"call_id", req.CallID,
			"code", res.Code,
			"error", res.Message,
		)
	}
	g.metrics.RecordToolCall(req.Name, outcome, res.Duration)
	return res
}

func (g *Gateway) invoke(ctx context.Context, req protocol.ToolCallRequest) Result {
	tool, ok := g.tools[req.Name]
	if !ok {
		return Failure(req, CodeUnknownTool, "tool "+req.Name+" is not declared")
	}
	args, err := req.Arguments()
	if err != nil {
		return Failure(req, CodeInvalidArguments, err.Error())
	}
	for _, name := range tool.RequiredArguments() {
		if _, ok := args[name]; !ok {
			return Failure(req, CodeInvalidArguments, "missing required argument "+name)
		}
	}
	if g.looker == nil || !g.looker.Configured() {
		return Failure(req, CodeUnconfigured, "lookup service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Failure(req, CodeSessionClosed, "session closed before lookup")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, err := g.looker.Lookup(lookupCtx, Request{Tool: req.Name, Arguments: args, CallID: req.CallID})
	if err != nil {
		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			return Failure(req, CodeLookupStatus, statusErr.Error())
		case errors.Is(lookupCtx.Err(), context.DeadlineExceeded):
			return Failure(req, CodeTimeout, "lookup timed out after "+g.timeout.String())
		case ctx.Err() != nil:
			return Failure(req, CodeSessionClosed, "session closed during lookup")
		default:
			return Failure(req, CodeLookupFailed, err.Error())
		}
	}
	return Result{CallID: req.CallID, Tool: req.Name, Data: data}
}
