package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/noteservice"
	"github.com/starford/kbnotes/internal/testutil"
)

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng, _ := testutil.TestEngine(t, engine.Options{})
	svc := noteservice.NewService(eng, nil, nil, testutil.Logger())
	return New(svc, "test"), eng
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so the handlers are
	// invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "search_notes":
		result, err = srv.searchNotes(ctx, req)
	case "read_note":
		result, err = srv.readNote(ctx, req)
	case "create_note":
		result, err = srv.createNote(ctx, req)
	case "edit_note":
		result, err = srv.editNote(ctx, req)
	case "list_notes":
		result, err = srv.listNotes(ctx, req)
	case "list_tags":
		result, err = srv.listTags(ctx, req)
	case "get_note_contract":
		result, err = srv.getNoteContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadNote(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "create_note", map[string]interface{}{
		"title": "Test Note",
		"body":  "Hello",
		"tags":  []interface{}{"Greeting"},
	})
	if text := resultText(r); text != "created: test-note" {
		t.Errorf("create result = %q", text)
	}

	r = callTool(t, srv, "read_note", map[string]interface{}{"id": "test-note"})
	var note noteservice.NoteDetail
	if err := json.Unmarshal([]byte(resultText(r)), &note); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if note.Body != "Hello" || note.Title != "Test Note" {
		t.Errorf("note = %+v", note)
	}
	if len(note.Tags) != 1 || note.Tags[0] != "greeting" {
		t.Errorf("tags = %v", note.Tags)
	}
}

func TestCreateNoteRequiresContent(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "create_note", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error for empty create")
	}
}

func TestEditNote(t *testing.T) {
	srv, eng := testServer(t)
	callTool(t, srv, "create_note", map[string]interface{}{"id": "todo", "title": "Todo", "tags": "a, b"})

	r := callTool(t, srv, "edit_note", map[string]interface{}{
		"id":          "todo",
		"body":        "ship it",
		"remove_tags": []interface{}{"a"},
	})
	if r.IsError {
		t.Fatalf("edit failed: %s", resultText(r))
	}
	n, err := eng.Get("todo")
	if err != nil {
		t.Fatal(err)
	}
	if n.Title != "Todo" || n.Body != "ship it" || strings.Join(n.Tags, ",") != "b" {
		t.Errorf("note = %+v", n)
	}

	r = callTool(t, srv, "edit_note", map[string]interface{}{"id": "todo", "body": "x", "if_match": "stale"})
	if !r.IsError {
		t.Error("expected version mismatch")
	}
}

func TestSearchNotes(t *testing.T) {
	srv, _ := testServer(t)
	callTool(t, srv, "create_note", map[string]interface{}{"id": "shopping", "title": "Shopping", "body": "milk, eggs", "tags": []interface{}{"home"}})
	callTool(t, srv, "create_note", map[string]interface{}{"id": "other", "title": "Other", "body": "nothing here"})

	r := callTool(t, srv, "search_notes", map[string]interface{}{"query": "milk", "tags": []interface{}{"home"}})
	var hits []noteservice.SearchHit
	if err := json.Unmarshal([]byte(resultText(r)), &hits); err != nil {
		t.Fatalf("search result: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "shopping" {
		t.Errorf("hits = %+v", hits)
	}

	r = callTool(t, srv, "search_notes", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without query or tags")
	}
}

func TestListNotesAndTags(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "list_notes", map[string]interface{}{})
	if text := resultText(r); text != "no notes found" {
		t.Errorf("empty list = %q", text)
	}

	callTool(t, srv, "create_note", map[string]interface{}{"id": "a", "title": "A", "tags": []interface{}{"x"}})
	callTool(t, srv, "create_note", map[string]interface{}{"id": "b", "title": "B"})

	r = callTool(t, srv, "list_notes", map[string]interface{}{"tag": "x"})
	if text := resultText(r); text != "a\tA\t#x" {
		t.Errorf("filtered list = %q", text)
	}

	r = callTool(t, srv, "list_tags", map[string]interface{}{})
	if !strings.Contains(resultText(r), `"tag": "x"`) {
		t.Errorf("tags = %q", resultText(r))
	}
}

func TestReadNoteMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_note", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing note")
	}
}

func TestGetNoteContract(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "get_note_contract", nil)
	if !strings.Contains(resultText(r), "Note Format Contract") {
		t.Error("contract text missing")
	}
}
