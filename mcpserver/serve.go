package mcpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tombergan/unwinddiag/config"
)

// ServeStdio serves the tools over stdin and stdout until ctx is done or
// the client disconnects.
func ServeStdio(ctx context.Context, cfg *config.Config) error {
	return NewServer(cfg).Run(ctx, &mcp.StdioTransport{})
}

// ServeHTTP serves the tools over streamable HTTP at addr until ctx is
// done, then shuts the listener down.
func ServeHTTP(ctx context.Context, cfg *config.Config, addr string) error {
	server := NewServer(cfg)
	handler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return server
	}, nil)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // reports of deep stacks take a while
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("unwinddiag MCP server listening on %s", addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != http.ErrServerClosed {
		return err
	}
	return nil
}
