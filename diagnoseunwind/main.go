// Command diagnoseunwind checks a debugger's stack unwinding against a
// simple frame-pointer walk, using a core dump as the debugging session.
//
// Usage:
//
//	diagnoseunwind report CORE [EXECUTABLE] [--thread N] [--pprof FILE]
//	diagnoseunwind threads CORE [EXECUTABLE]
//	diagnoseunwind mcp [--http ADDR]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/tombergan/unwinddiag/config"
	"github.com/tombergan/unwinddiag/corefile"
	"github.com/tombergan/unwinddiag/mcpserver"
	"github.com/tombergan/unwinddiag/pprofexport"
	"github.com/tombergan/unwinddiag/unwind"
)

type cli struct {
	Config     string `kong:"type='existingfile',help='JSON settings file.'"`
	DebugLevel int    `kong:"name='debuglevel',help='Debug verbosity level (0-2).'"`

	Report  reportCmd  `kong:"cmd,help='Print the unwind diagnostic report for one thread.'"`
	Threads threadsCmd `kong:"cmd,help='List the threads of a core.'"`
	MCP     mcpCmd     `kong:"cmd,name='mcp',help='Serve the diagnostics as MCP tools.'"`
}

// CoreArgs are the arguments of the commands that open a core.
type CoreArgs struct {
	Core       string `kong:"arg,type='existingfile',help='Core file.'"`
	Executable string `kong:"arg,optional,type='existingfile',help='Executable, if the core does not locate it.'"`
	Sysroot    string `kong:"type='existingdir',help='Directory prepended to library paths recorded in the core.'"`
}

// open loads the core and starts a session over it.
func (a *CoreArgs) open(cfg *config.Config) (*corefile.Session, *corefile.Program, error) {
	if a.Sysroot != "" {
		cfg.Sysroot = a.Sysroot
	}
	p, err := corefile.Open(a.Core, cfg.OpenOptions(a.Executable))
	if err != nil {
		return nil, nil, err
	}
	return corefile.NewSession(p, cfg.SessionOptions()), p, nil
}

type reportCmd struct {
	CoreArgs

	Thread      int    `kong:"help='Index ID of the thread to diagnose. Defaults to the crashing thread.'"`
	MaxFrames   int    `kong:"name='max-frames',default='-1',help='Stop the simple walk after this many frames; 0 for no limit.'"`
	HostVersion string `kong:"name='host-version',help='Host version string to advertise, selecting the command forms.'"`
	Pprof       string `kong:"type='path',help='Also write both backtraces to this file as a pprof profile.'"`
}

func (r *reportCmd) Run(cfg *config.Config) error {
	if r.MaxFrames >= 0 {
		cfg.MaxWalkFrames = uint(r.MaxFrames)
	}
	if r.HostVersion != "" {
		cfg.HostVersion = r.HostVersion
	}
	s, p, err := r.open(cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	if r.Thread != 0 {
		if err := s.SelectThread(r.Thread); err != nil {
			return err
		}
	}

	sum, err := unwind.Diagnose(os.Stdout, s, cfg.ReportOptions())
	if errors.Is(err, unwind.ErrPrecondition) {
		fmt.Fprintf(os.Stderr, "diagnoseunwind: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	if r.Pprof == "" {
		return nil
	}
	f, err := os.Create(r.Pprof)
	if err != nil {
		return err
	}
	if err := pprofexport.Write(f, sum); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type threadsCmd struct {
	CoreArgs
}

func (t *threadsCmd) Run(cfg *config.Config) error {
	s, p, err := t.open(cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	return s.WriteThreads(os.Stdout)
}

type mcpCmd struct {
	HTTP string `kong:"name='http',placeholder='ADDR',help='Serve streamable HTTP on this address instead of stdio.'"`
}

func (m *mcpCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if m.HTTP != "" {
		return mcpserver.ServeHTTP(ctx, cfg, m.HTTP)
	}
	return mcpserver.ServeStdio(ctx, cfg)
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("diagnoseunwind"),
		kong.Description("Cross-check a debugger's stack unwinder against a frame-pointer walk."),
		kong.UsageOnError(),
	)

	cfg := config.Default()
	if flags.Config != "" {
		var err error
		if cfg, err = config.Load(flags.Config); err != nil {
			log.Fatal(err)
		}
	}
	if flags.DebugLevel > 0 {
		cfg.DebugLevel = flags.DebugLevel
	}
	cfg.InstallDebugLogf(log.Printf)

	ctx.FatalIfErrorf(ctx.Run(cfg))
}
