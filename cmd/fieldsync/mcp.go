package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geofield/fieldsync"
	fieldmcp "github.com/geofield/fieldsync/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over stdio",
	Long: `Start a Model Context Protocol (MCP) server over stdio so agents can
record observations and inspect sync status.

Replication runs in the background for as long as the server does.

Environment variables:
  FIELDSYNC_DB_PATH      Path to local database
  FIELDSYNC_DATABASE     Database name (default: geology-data)
  FIELDSYNC_REMOTE_URL   Replication server (optional, enables sync)
  FIELDSYNC_DEBUG_LOG    Write debug logs here instead of stderr`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := fieldsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer func() { _ = client.Close() }()

	return fieldmcp.NewServer(client).Run()
}
