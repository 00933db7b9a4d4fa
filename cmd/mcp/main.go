// Fraudguard MCP server - exposes read-only fraud investigation tools to LLM assistants
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fraudguard/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("FRAUDGUARD_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("FRAUDGUARD_API_TOKEN"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "FRAUDGUARD_API_TOKEN is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
