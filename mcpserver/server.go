// Package mcpserver exposes unwind diagnostics of core files as Model
// Context Protocol tools.
package mcpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tombergan/unwinddiag/config"
	"github.com/tombergan/unwinddiag/corefile"
	"github.com/tombergan/unwinddiag/unwind"
)

// DiagnoseArgs represents the arguments for the diagnose_unwind tool
type DiagnoseArgs struct {
	Core       string `json:"core" jsonschema:"Path to the core file"`
	Executable string `json:"executable,omitempty" jsonschema:"Path to the executable, if the core does not locate it"`
	Thread     int    `json:"thread,omitempty" jsonschema:"Index ID of the thread to diagnose, starting at 1. Defaults to the crashing thread."`
	Sysroot    string `json:"sysroot,omitempty" jsonschema:"Directory prepended to the library paths recorded in the core"`
}

// ListThreadsArgs represents the arguments for the list_threads tool
type ListThreadsArgs struct {
	Core       string `json:"core" jsonschema:"Path to the core file"`
	Executable string `json:"executable,omitempty" jsonschema:"Path to the executable, if the core does not locate it"`
}

// NewServer creates the MCP server. cfg supplies the defaults for every
// tool call; nil means config.Default().
func NewServer(cfg *config.Config) *mcp.Server {
	if cfg == nil {
		cfg = config.Default()
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "unwinddiag",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Instructions: `Stack unwinding diagnostics for core dumps.

Call list_threads to see the threads of a core and their innermost frames,
then diagnose_unwind for one thread. The report compares the debugger's
backtrace with a simple frame-pointer walk, and dumps the disassembly and
unwind rules of every frame. The first frame where the two backtraces
disagree is usually the one whose unwind information is wrong.`,
	})

	server.AddReceivingMiddleware(createLoggingMiddleware())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "diagnose_unwind",
		Description: "Write the unwind diagnostic report for one thread of a core file.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args DiagnoseArgs) (*mcp.CallToolResult, any, error) {
		c := *cfg
		if args.Sysroot != "" {
			c.Sysroot = args.Sysroot
		}
		text, err := diagnose(&c, args)
		if err != nil {
			return nil, nil, err
		}
		return textResult(text), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_threads",
		Description: "List the threads of a core file with their signal and innermost frame.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListThreadsArgs) (*mcp.CallToolResult, any, error) {
		s, closeCore, err := openSession(cfg, args.Core, args.Executable)
		if err != nil {
			return nil, nil, err
		}
		defer closeCore()
		var out bytes.Buffer
		if err := s.WriteThreads(&out); err != nil {
			return nil, nil, err
		}
		return textResult(out.String()), nil, nil
	})

	return server
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func openSession(cfg *config.Config, core, executable string) (*corefile.Session, func(), error) {
	if core == "" {
		return nil, nil, fmt.Errorf("core is required")
	}
	p, err := corefile.Open(core, cfg.OpenOptions(executable))
	if err != nil {
		return nil, nil, err
	}
	return corefile.NewSession(p, cfg.SessionOptions()), func() { p.Close() }, nil
}

// diagnose returns the report text. A report skipped for lack of a thread
// is not an error: the text says why it was skipped.
func diagnose(cfg *config.Config, args DiagnoseArgs) (string, error) {
	s, closeCore, err := openSession(cfg, args.Core, args.Executable)
	if err != nil {
		return "", err
	}
	defer closeCore()
	if args.Thread != 0 {
		if err := s.SelectThread(args.Thread); err != nil {
			return "", err
		}
	}
	var out bytes.Buffer
	if _, err := unwind.Diagnose(&out, s, cfg.ReportOptions()); err != nil {
		if errors.Is(err, unwind.ErrPrecondition) {
			return err.Error(), nil
		}
		return "", err
	}
	return out.String(), nil
}

// createLoggingMiddleware creates middleware that logs all MCP method calls
func createLoggingMiddleware() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			if err != nil {
				log.Printf("[MCP] %s failed after %v: %v", method, time.Since(start), err)
			} else {
				log.Printf("[MCP] %s done in %v", method, time.Since(start))
			}
			return result, err
		}
	}
}
