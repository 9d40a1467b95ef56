package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/noteservice"
	"github.com/starford/kbnotes/internal/testutil"
)

// testEnv sets up a temp notes directory, engine, service and router.
func testEnv(t *testing.T) (*engine.Engine, http.Handler) {
	t.Helper()
	eng, router, _ := testEnvWithBackups(t, nil)
	return eng, router
}

func testEnvWithBackups(t *testing.T, sseHandler http.Handler) (*engine.Engine, http.Handler, string) {
	t.Helper()
	eng, store := testutil.TestEngine(t, engine.Options{})
	backupDir := t.TempDir()
	mgr := backup.New(eng, store, backup.Options{Dir: backupDir, Logger: testutil.Logger()})
	svc := noteservice.NewService(eng, mgr, nil, testutil.Logger())
	return eng, NewRouter(svc, sseHandler, testutil.Logger()), backupDir
}

func do(t *testing.T, router http.Handler, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetNote(t *testing.T) {
	_, router := testEnv(t)

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{Title: "Hello", Body: "World #greeting"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("ETag") == "" {
		t.Error("missing ETag on create")
	}

	w = do(t, router, http.MethodGet, "/notes/hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.ID != "hello" || note.Title != "Hello" {
		t.Errorf("note = %+v", note)
	}
	if len(note.Tags) != 1 || note.Tags[0] != "greeting" {
		t.Errorf("tags = %v, want [greeting]", note.Tags)
	}

	w = do(t, router, http.MethodGet, "/notes/hello/raw", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "title: Hello") {
		t.Errorf("raw = %d %q", w.Code, w.Body.String())
	}
}

func TestCreateValidation(t *testing.T) {
	_, router := testEnv(t)

	if w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty create = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "../etc", Title: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad id create = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json = %d, want 400", w.Code)
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t)

	body := CreateNoteRequest{ID: "dup", Title: "Dup"}
	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notes", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t)

	w := do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "lock", Title: "Lock", Body: "v1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	etag := w.Header().Get("ETag")

	body := map[string]any{"body": "v2"}
	w = do(t, router, http.MethodPatch, "/notes/lock", body, "If-Match", `"stale"`)
	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("stale update = %d, want 412", w.Code)
	}

	w = do(t, router, http.MethodPatch, "/notes/lock", body, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Body != "v2" {
		t.Errorf("body = %q, want v2", note.Body)
	}
	if w.Header().Get("ETag") == etag {
		t.Error("ETag did not change after update")
	}
}

func TestUpdateTags(t *testing.T) {
	_, router := testEnv(t)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "t", Title: "T", Tags: []string{"a", "b"}})

	w := do(t, router, http.MethodPatch, "/notes/t", map[string]any{"add_tags": []string{"C"}, "remove_tags": []string{"a"}})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d", w.Code)
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if strings.Join(note.Tags, ",") != "b,c" {
		t.Errorf("tags = %v, want [b c]", note.Tags)
	}
}

func TestUpdateNote_NotFound(t *testing.T) {
	_, router := testEnv(t)
	w := do(t, router, http.MethodPatch, "/notes/nope", map[string]any{"body": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	_, router := testEnv(t)
	if w := do(t, router, http.MethodGet, "/notes/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}
}

func TestDeleteNote(t *testing.T) {
	eng, router := testEnv(t)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "gone", Title: "Gone"})

	if w := do(t, router, http.MethodDelete, "/notes/gone", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if _, err := os.Stat(filepath.Join(eng.Root(), "gone.md")); !os.IsNotExist(err) {
		t.Errorf("file still exists: %v", err)
	}
	// Deleting again is a no-op.
	if w := do(t, router, http.MethodDelete, "/notes/gone", nil); w.Code != http.StatusNoContent {
		t.Errorf("second delete = %d, want 204", w.Code)
	}
}

func TestListNotes(t *testing.T) {
	_, router := testEnv(t)
	for _, n := range []CreateNoteRequest{
		{ID: "a", Title: "A", Tags: []string{"x"}},
		{ID: "b", Title: "B"},
		{ID: "c", Title: "C", Tags: []string{"x"}},
	} {
		do(t, router, http.MethodPost, "/notes", n)
	}

	w := do(t, router, http.MethodGet, "/notes?tag=x&sort=id", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var resp NoteListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Notes) != 2 || resp.Notes[0].ID != "a" {
		t.Errorf("list = %+v", resp)
	}

	w = do(t, router, http.MethodGet, "/notes?limit=1&offset=1&sort=id", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Notes) != 1 || resp.Notes[0].ID != "b" {
		t.Errorf("page = %+v", resp)
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "shopping", Title: "Shopping", Body: "milk, eggs", Tags: []string{"home"}})
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "dairy", Title: "Dairy farm", Body: "milk production"})

	w := do(t, router, http.MethodGet, "/search?q=milk&tag=home", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	var resp SearchResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "shopping" {
		t.Errorf("results = %+v", resp.Results)
	}

	w = do(t, router, http.MethodGet, "/search?q=milk", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 2 {
		t.Errorf("unfiltered results = %d, want 2", len(resp.Results))
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, router := testEnv(t)
	if w := do(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search without q = %d, want 400", w.Code)
	}
}

func TestTagsEndpoint(t *testing.T) {
	_, router := testEnv(t)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "a", Title: "A", Tags: []string{"x", "y"}})
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "b", Title: "B", Tags: []string{"x"}})

	w := do(t, router, http.MethodGet, "/tags", nil)
	var resp TagsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Tags) != 2 || resp.Tags[0].Tag != "x" || resp.Tags[0].Count != 2 {
		t.Errorf("tags = %+v", resp.Tags)
	}
}

func TestBackupAndRestore(t *testing.T) {
	eng, router, backupDir := testEnvWithBackups(t, nil)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "keep", Title: "Keep", Body: "important"})

	w := do(t, router, http.MethodPost, "/backup", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("backup = %d, body = %s", w.Code, w.Body.String())
	}
	var res BackupResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Result == nil || filepath.Dir(res.Path) != backupDir || res.Notes != 1 {
		t.Fatalf("backup result = %+v", res.Result)
	}

	w = do(t, router, http.MethodGet, "/backups", nil)
	var list BackupsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Backups) != 1 {
		t.Fatalf("backups = %+v", list)
	}

	do(t, router, http.MethodDelete, "/notes/keep", nil)
	w = do(t, router, http.MethodPost, "/restore", RestoreRequest{Archive: list.Backups[0].Name})
	if w.Code != http.StatusOK {
		t.Fatalf("restore = %d, body = %s", w.Code, w.Body.String())
	}
	var sum backup.RestoreSummary
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Restored != 1 || !sum.Rescanned {
		t.Errorf("summary = %+v", sum)
	}
	if n, err := eng.Get("keep"); err != nil || n.Body != "important" {
		t.Errorf("restored note = %+v, %v", n, err)
	}
}

func TestRestoreErrors(t *testing.T) {
	_, router := testEnv(t)

	if w := do(t, router, http.MethodPost, "/restore", RestoreRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("restore without archive = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/restore", RestoreRequest{Archive: "/no/such.zip"}); w.Code != http.StatusNotFound {
		t.Errorf("restore missing archive = %d, want 404", w.Code)
	}

	evil := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(evil)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	ew, _ := zw.Create("../../escape.md")
	_, _ = ew.Write([]byte("x"))
	_ = zw.Close()
	_ = f.Close()

	target := filepath.Join(t.TempDir(), "out")
	if w := do(t, router, http.MethodPost, "/restore", RestoreRequest{Archive: evil, Target: target}); w.Code != http.StatusBadRequest {
		t.Errorf("restore traversal = %d, want 400", w.Code)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("target created despite traversal: %v", err)
	}
}

func TestNoteVersionsAndRestore(t *testing.T) {
	eng, store := testutil.TestEngine(t, engine.Options{})
	mgr := backup.New(eng, store, backup.Options{Dir: t.TempDir(), Logger: testutil.Logger()})
	eng.SetHistory(mgr)
	router := NewRouter(noteservice.NewService(eng, mgr, nil, testutil.Logger()), nil, testutil.Logger())

	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "plan", Title: "Plan", Body: "v1"})
	if w := do(t, router, http.MethodPatch, "/notes/plan", map[string]any{"body": "v2"}); w.Code != http.StatusOK {
		t.Fatalf("update = %d", w.Code)
	}

	w := do(t, router, http.MethodGet, "/notes/plan/versions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("versions = %d, body = %s", w.Code, w.Body.String())
	}
	var list VersionsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Versions) != 1 || list.Versions[0].ID != "plan" {
		t.Fatalf("versions = %+v", list.Versions)
	}

	w = do(t, router, http.MethodPost, "/notes/plan/restore", RestoreNoteRequest{Version: list.Versions[0].Name})
	if w.Code != http.StatusOK {
		t.Fatalf("restore = %d, body = %s", w.Code, w.Body.String())
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Body != "v1" {
		t.Errorf("restored body = %q, want v1", note.Body)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("missing ETag on restore")
	}

	if w := do(t, router, http.MethodPost, "/notes/plan/restore", RestoreNoteRequest{Version: "nope.md"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown version = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notes/other/restore", nil); w.Code != http.StatusNotFound {
		t.Errorf("note without versions = %d, want 404", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, router := testEnv(t)
	do(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "a", Title: "A"})

	w := do(t, router, http.MethodGet, "/status", nil)
	var st noteservice.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.Notes.Notes != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestSSEEventsMounted(t *testing.T) {
	sseHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	_, router, _ := testEnvWithBackups(t, sseHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("events = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}
