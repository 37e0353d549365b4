// Command mcp serves the tradeflow MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tradeflow/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("TRADEFLOW_API_URL", "http://localhost:8080"),
		CompanyID:   os.Getenv("TRADEFLOW_COMPANY_ID"),
		AdminSecret: os.Getenv("TRADEFLOW_ADMIN_SECRET"),
	}

	if cfg.CompanyID == "" && cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "TRADEFLOW_COMPANY_ID or TRADEFLOW_ADMIN_SECRET is required")
		os.Exit(1)
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
