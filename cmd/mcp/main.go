// yieldguard MCP server - exposes vault and risk reads as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/yieldguard/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("YIELDGUARD_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("YIELDGUARD_API_KEY"),
		Address: os.Getenv("YIELDGUARD_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "YIELDGUARD_API_KEY not set; write tools will be rejected")
	}

	s := mcpserver.NewMCPServer(cfg)
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
