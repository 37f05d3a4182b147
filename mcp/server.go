// Package mcp exposes the fieldsync client as Model Context Protocol tools
// over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/geofield/fieldsync"
)

// Server wraps the MCP server with fieldsync tools.
type Server struct {
	client    *fieldsync.Client
	mcpServer *server.MCPServer
	handlers  map[string]handlerFunc
	tools     []ToolInfo
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

type handlerFunc func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NewServer creates a new MCP server with fieldsync tools registered.
func NewServer(client *fieldsync.Client) *Server {
	s := &Server{
		client:   client,
		handlers: make(map[string]handlerFunc),
	}
	s.mcpServer = server.NewMCPServer(
		"fieldsync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout until stdin closes.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools in registration order.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), s.tools...)
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return errorResult("unknown tool: %s", name), nil
	}
	return h(ctx, args)
}

func (s *Server) add(tool mcp.Tool, h handlerFunc) {
	s.handlers[tool.Name] = h
	s.tools = append(s.tools, ToolInfo{Name: tool.Name, Description: tool.Description})
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	})
}

func (s *Server) registerTools() {
	s.add(mcp.NewTool("field_record_grain",
		mcp.WithDescription("Record a grain-size observation at a GPS position. Stored locally and replicated when the server is reachable."),
		mcp.WithString("grain_size",
			mcp.Description("Grain size class: "+grainSizeNames()),
			mcp.Required(),
		),
		mcp.WithNumber("latitude",
			mcp.Description("Latitude in decimal degrees"),
			mcp.Required(),
		),
		mcp.WithNumber("longitude",
			mcp.Description("Longitude in decimal degrees"),
			mcp.Required(),
		),
		mcp.WithNumber("accuracy", mcp.Description("GPS accuracy in metres")),
		mcp.WithNumber("size_measurement", mcp.Description("Measured size in mm (rounded to 2 decimals)")),
		mcp.WithNumber("quantity", mcp.Description("Number of grains observed")),
		mcp.WithString("notes", mcp.Description("Free-text notes")),
	), s.handleRecordGrain)

	s.add(mcp.NewTool("field_record_flow",
		mcp.WithDescription("Record a stream flow measurement."),
		mcp.WithNumber("depth", mcp.Description("Water depth in metres"), mcp.Required()),
		mcp.WithNumber("velocity", mcp.Description("Flow velocity in m/s"), mcp.Required()),
		mcp.WithNumber("distance_from_bank", mcp.Description("Distance from bank in metres"), mcp.Required()),
	), s.handleRecordFlow)

	s.add(mcp.NewTool("field_my_records",
		mcp.WithDescription("List records written under the current author ID, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records (default: all)")),
	), s.handleMyRecords)

	s.add(mcp.NewTool("field_identity",
		mcp.WithDescription("Show the author ID stamped on new records and its source (student, ip or device)."),
	), s.handleIdentity)

	s.add(mcp.NewTool("field_set_student_id",
		mcp.WithDescription("Set the Student ID for new records, or clear it with an empty string. Existing records keep their author."),
		mcp.WithString("student_id", mcp.Description("The Student ID"), mcp.Required()),
	), s.handleSetStudentID)

	s.add(mcp.NewTool("field_migrate_identity",
		mcp.WithDescription("Rewrite the author of every local record from old_id to new_id and make new_id the Student ID. old_id must be the current Student ID."),
		mcp.WithString("old_id", mcp.Description("The current Student ID"), mcp.Required()),
		mcp.WithString("new_id", mcp.Description("The new Student ID"), mcp.Required()),
	), s.handleMigrateIdentity)

	s.add(mcp.NewTool("field_sync_status",
		mcp.WithDescription("Show the replication status and local store statistics."),
	), s.handleSyncStatus)
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: r.Content},
		},
		IsError: r.IsError,
	}
}

func errorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func (s *Server) handleRecordGrain(ctx context.Context, args map[string]any) (*ToolResult, error) {
	size, _ := args["grain_size"].(string)
	if size == "" {
		return errorResult("grain_size is required"), nil
	}
	params := fieldsync.GrainParams{
		GrainSize:       fieldsync.GrainSize(size),
		SizeMeasurement: number(args, "size_measurement"),
		Quantity:        number(args, "quantity"),
		Location: fieldsync.GPSReading{
			Latitude:  number(args, "latitude"),
			Longitude: number(args, "longitude"),
		},
	}
	if acc := number(args, "accuracy"); acc != nil {
		params.Location.Accuracy = *acc
	}
	params.Notes, _ = args["notes"].(string)

	rec, err := s.client.RecordGrain(ctx, params)
	if err != nil {
		return errorResult("record failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord(rec)}, nil
}

func (s *Server) handleRecordFlow(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var params fieldsync.FlowParams
	for key, dst := range map[string]*float64{
		"depth":              &params.Depth,
		"velocity":           &params.Velocity,
		"distance_from_bank": &params.DistanceFromBank,
	} {
		v := number(args, key)
		if v == nil {
			return errorResult("%s is required", key), nil
		}
		*dst = *v
	}

	rec, err := s.client.RecordFlow(ctx, params)
	if err != nil {
		return errorResult("record failed: %v", err), nil
	}
	return &ToolResult{Content: formatRecord(rec)}, nil
}

func (s *Server) handleMyRecords(ctx context.Context, args map[string]any) (*ToolResult, error) {
	records, err := s.client.MyRecords(ctx)
	if err != nil {
		return errorResult("list failed: %v", err), nil
	}
	if limit := number(args, "limit"); limit != nil && *limit >= 0 && int(*limit) < len(records) {
		records = records[:int(*limit)]
	}
	if len(records) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No records for %s.", s.client.AuthorID())}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d records for %s:\n", len(records), s.client.AuthorID())
	for i := range records {
		sb.WriteString("\n")
		sb.WriteString(formatRecord(&records[i]))
		sb.WriteString("\n")
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleIdentity(_ context.Context, _ map[string]any) (*ToolResult, error) {
	return &ToolResult{Content: s.formatIdentity()}, nil
}

func (s *Server) handleSetStudentID(_ context.Context, args map[string]any) (*ToolResult, error) {
	id, ok := args["student_id"].(string)
	if !ok {
		return errorResult("student_id is required"), nil
	}
	if _, err := s.client.SetStudentID(id); err != nil {
		return errorResult("set student id failed: %v", err), nil
	}
	return &ToolResult{Content: s.formatIdentity()}, nil
}

func (s *Server) handleMigrateIdentity(ctx context.Context, args map[string]any) (*ToolResult, error) {
	oldID, _ := args["old_id"].(string)
	newID, _ := args["new_id"].(string)

	n, err := s.client.MigrateIdentity(ctx, oldID, newID)
	if err != nil {
		var me *fieldsync.MigrationError
		if errors.As(err, &me) {
			return errorResult("%s (%d records updated)", me.Message(), me.Updated), nil
		}
		return errorResult("migration failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Migrated %d records to %s.", n, s.client.StudentID())}, nil
}

func (s *Server) handleSyncStatus(_ context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Stats()
	if err != nil {
		return errorResult("stats failed: %v", err), nil
	}
	st := s.client.Status()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s (%s)\n", st, st.Description())
	fmt.Fprintf(&sb, "Records: %d (%d grain, %d flow)\n", stats.RecordCount, stats.GrainCount, stats.FlowCount)
	fmt.Fprintf(&sb, "Pending push: %d\n", stats.PendingPush)
	if !stats.LastPush.IsZero() {
		fmt.Fprintf(&sb, "Last push: %s\n", stats.LastPush.UTC().Format("2006-01-02 15:04:05Z"))
	}
	if !stats.LastPull.IsZero() {
		fmt.Fprintf(&sb, "Last pull: %s\n", stats.LastPull.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) formatIdentity() string {
	out := fmt.Sprintf("Author ID: %s\nSource: %s", s.client.AuthorID(), s.client.IdentitySource())
	if s.client.StudentID() == "" {
		out += "\nNo Student ID set."
	}
	return out
}

func formatRecord(r *fieldsync.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s by %s at %s", r.ID, r.Type, r.AuthorID, r.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
	switch {
	case r.Grain != nil:
		fmt.Fprintf(&sb, "\n  Grain size: %s", r.Grain.GrainSize)
		if r.Grain.SizeMeasurement != nil {
			fmt.Fprintf(&sb, "\n  Size: %.2f mm", *r.Grain.SizeMeasurement)
		}
		if r.Grain.Quantity != nil {
			fmt.Fprintf(&sb, "\n  Quantity: %.0f", *r.Grain.Quantity)
		}
		fmt.Fprintf(&sb, "\n  GPS: %s", r.Grain.GPS.Text)
		if r.Grain.Notes != "" {
			fmt.Fprintf(&sb, "\n  Notes: %s", truncate(r.Grain.Notes, 100))
		}
	case r.Flow != nil:
		fmt.Fprintf(&sb, "\n  Depth: %.2f m\n  Velocity: %.2f m/s\n  Distance from bank: %.2f m",
			r.Flow.Depth, r.Flow.Velocity, r.Flow.DistanceFromBank)
	}
	return sb.String()
}

func grainSizeNames() string {
	sizes := fieldsync.GrainSizes()
	names := make([]string, len(sizes))
	for i, g := range sizes {
		names[i] = string(g)
	}
	return strings.Join(names, ", ")
}

// number returns a numeric argument, or nil when absent. JSON numbers
// arrive as float64.
func number(args map[string]any, key string) *float64 {
	switch v := args[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
