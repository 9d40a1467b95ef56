// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes kbnotes tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/noteservice"
)

const (
	contractURI        = "kbnotes://note-format"
	defaultSearchLimit = 20
)

// Server wraps the MCP server with kbnotes tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all kbnotes tools registered.
func New(svc *noteservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"kbnotes",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Fuzzy search over note titles, tags and bodies. "+
			"Results are ranked best first."),
		mcp.WithString("query", mcp.Description("Search query string; may be empty when tags are given")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Only return notes carrying all of these tags")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note: title, tags, body and checksum."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note identifier (file name without .md)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. Read the format contract first via "+
			"the get_note_contract tool or the "+contractURI+" resource."),
		mcp.WithString("title", mcp.Description("Note title; also used to derive the identifier")),
		mcp.WithString("body", mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Tags to attach")),
		mcp.WithString("id", mcp.Description("Explicit identifier; fails if it already exists")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("edit_note",
		mcp.WithDescription("Change a note. Omitted fields are left unchanged. "+
			"The write to disk is debounced."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note identifier")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("body", mcp.Description("New Markdown body")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Replace the tag set")),
		mcp.WithArray("add_tags", mcp.WithStringItems(), mcp.Description("Tags to add")),
		mcp.WithArray("remove_tags", mcp.WithStringItems(), mcp.Description("Tags to remove")),
		mcp.WithString("if_match", mcp.Description("Checksum from read_note; the edit fails if the note changed since")),
	), s.editNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, most recently modified first."),
		mcp.WithString("tag", mcp.Description("Optional tag filter")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("list_tags",
		mcp.WithDescription("List every tag with the number of notes carrying it."),
	), s.listTags)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the kbnotes note format contract. "+
			"Call this before creating or editing notes."),
	), s.getNoteContract)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("Note file format and identifier rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// optionalString returns the argument and whether it was supplied at all.
func optionalString(req mcp.CallToolRequest, key string) (*string, bool) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, false
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	return &s, true
}

// stringList accepts a JSON array or a comma separated string.
func stringList(req mcp.CallToolRequest, key string) ([]string, bool) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return models.ParseTagList(t), true
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	tags, _ := stringList(req, "tags")
	if strings.TrimSpace(query) == "" && len(tags) == 0 {
		return mcp.NewToolResultError("query or tags is required"), nil
	}
	limit := req.GetInt("limit", defaultSearchLimit)

	hits, err := s.svc.Search(ctx, query, tags, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(hits)
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.GetNote(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read %s: %v", id, err)), nil
	}
	return jsonResult(note)
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := noteservice.CreateInput{
		ID:    req.GetString("id", ""),
		Title: req.GetString("title", ""),
		Body:  req.GetString("body", ""),
	}
	in.Tags, _ = stringList(req, "tags")
	if in.ID == "" && strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Body) == "" {
		return mcp.NewToolResultError("title, body or id is required"), nil
	}

	note, err := s.svc.CreateNote(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", note.ID)), nil
}

func (s *Server) editNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var in noteservice.UpdateInput
	in.Title, _ = optionalString(req, "title")
	in.Body, _ = optionalString(req, "body")
	if tags, ok := stringList(req, "tags"); ok {
		in.Tags = &tags
	}
	in.AddTags, _ = stringList(req, "add_tags")
	in.RemoveTags, _ = stringList(req, "remove_tags")
	in.IfMatch = req.GetString("if_match", "")

	note, err := s.svc.UpdateNote(ctx, id, in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(note)
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, _, err := s.svc.ListNotes(ctx, 0, 0, req.GetString("tag", ""), "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("no notes found"), nil
	}

	lines := make([]string, 0, len(items))
	for _, it := range items {
		line := it.ID
		if it.Title != "" {
			line += "\t" + it.Title
		}
		if len(it.Tags) > 0 {
			line += "\t#" + strings.Join(it.Tags, " #")
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) listTags(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Tags(ctx))
}

func (s *Server) getNoteContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
