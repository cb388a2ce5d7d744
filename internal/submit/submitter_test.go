package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Result
	}{
		{"nil is success", nil, ResultSuccess},
		{"network error retries", errors.New("dial tcp: connection refused"), ResultRetryable},
		{"500 retries", &remote.HTTPError{StatusCode: 500}, ResultRetryable},
		{"429 retries", &remote.HTTPError{StatusCode: 429}, ResultRetryable},
		{"400 is terminal", &remote.HTTPError{StatusCode: 400}, ResultTerminal},
		{"404 is terminal", &remote.HTTPError{StatusCode: 404}, ResultTerminal},
		{"409 is a conflict", &remote.HTTPError{StatusCode: 409}, ResultConflict},
		{"412 is a conflict", &remote.HTTPError{StatusCode: 412}, ResultConflict},
		{"missing file is terminal", os.ErrNotExist, ResultTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got.Result != tc.want {
				t.Fatalf("Classify(%v).Result = %d, want %d", tc.err, got.Result, tc.want)
			}
		})
	}
}

func TestSubmitActionRoutes(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(remote.New(srv.URL, nil), nil, Config{})

	out := s.Submit(context.Background(), models.QueueItem{
		ID:         "item-1",
		Kind:       models.KindAction,
		ActionType: models.ActionDailyLogUpdate,
		ResourceID: "log-1",
		Payload:    map[string]any{"weather": "rain"},
	})
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/daily-logs/log-1" {
		t.Fatalf("routed to %s %s", gotMethod, gotPath)
	}

	out = s.Submit(context.Background(), models.QueueItem{
		Kind:       models.KindAction,
		ActionType: models.ActionTimecardCreate,
	})
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/timecards" {
		t.Fatalf("routed to %s %s", gotMethod, gotPath)
	}
}

func TestSubmitActionValidation(t *testing.T) {
	s := New(remote.New("http://unused.invalid", nil), nil, Config{})

	out := s.Submit(context.Background(), models.QueueItem{
		Kind:       models.KindAction,
		ActionType: "REBOOT_CRANE",
	})
	if out.Result != ResultTerminal {
		t.Fatalf("unknown action type: outcome = %+v", out)
	}

	out = s.Submit(context.Background(), models.QueueItem{
		Kind:       models.KindAction,
		ActionType: models.ActionDailyLogUpdate,
	})
	if out.Result != ResultTerminal {
		t.Fatalf("update without resource id: outcome = %+v", out)
	}
}

func TestSubmitUploadMissingFileIsTerminal(t *testing.T) {
	s := New(remote.New("http://unused.invalid", nil), nil, Config{})

	out := s.Submit(context.Background(), models.QueueItem{
		ID:        "item-1",
		Kind:      models.KindFile,
		ProjectID: "proj-1",
		LocalPath: filepath.Join(t.TempDir(), "does-not-exist.pdf"),
	})
	if out.Result != ResultTerminal {
		t.Fatalf("missing file: outcome = %+v", out)
	}
}

func TestSubmitPhotoDownscales(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "site.png")
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.WriteFile(src, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	var gotFilename string
	var gotWidth int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, header, err := r.FormFile("photo")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = header.Filename
		decoded, _, err := image.Decode(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotWidth = decoded.Bounds().Dx()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(remote.New(srv.URL, nil), nil, Config{MaxPhotoDimension: 16})
	out := s.Submit(context.Background(), models.QueueItem{
		ID:         "item-1",
		Kind:       models.KindPhoto,
		DailyLogID: "log-1",
		LocalPath:  src,
	})
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if gotFilename != "site.jpg" {
		t.Fatalf("filename = %q, want re-encoded site.jpg", gotFilename)
	}
	if gotWidth != 16 {
		t.Fatalf("uploaded width = %d, want 16", gotWidth)
	}
}

type fakeBlob struct {
	key         string
	contentType string
	body        []byte
}

func (b *fakeBlob) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	b.key = key
	b.contentType = contentType
	b.body, _ = io.ReadAll(body)
	return "s3://site-media/" + key, nil
}

func TestSubmitFileViaBlobStore(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "item-9.pdf")
	if err := os.WriteFile(src, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	blob := &fakeBlob{}
	s := New(remote.New(srv.URL, nil), blob, Config{})
	out := s.Submit(context.Background(), models.QueueItem{
		ID:        "item-9",
		Kind:      models.KindFile,
		ProjectID: "proj-1",
		Category:  "drawings",
		LocalPath: src,
	})
	if out.Result != ResultSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if blob.key != "item-9.pdf" || string(blob.body) != "pdf bytes" {
		t.Fatalf("blob upload: key=%q body=%q", blob.key, blob.body)
	}
	if gotPath != "/api/projects/proj-1/files" {
		t.Fatalf("notify path = %q", gotPath)
	}
	if gotBody["object_url"] != "s3://site-media/item-9.pdf" {
		t.Fatalf("object_url = %v", gotBody["object_url"])
	}
	if gotBody["category"] != "drawings" {
		t.Fatalf("category = %v", gotBody["category"])
	}
}

func TestResourcePath(t *testing.T) {
	path, ok := ResourcePath(models.QueueItem{
		Kind:       models.KindAction,
		ActionType: models.ActionPunchItemUpdate,
		ResourceID: "punch-3",
	})
	if !ok || path != "/api/punch-items/punch-3" {
		t.Fatalf("path = %q ok = %v", path, ok)
	}

	if _, ok := ResourcePath(models.QueueItem{Kind: models.KindAction, ActionType: models.ActionDailyLogCreate}); ok {
		t.Fatal("creates have no remote resource to read")
	}
}
