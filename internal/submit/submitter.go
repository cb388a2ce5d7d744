package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

// Config tunes upload handling. Zero values disable photo downscaling.
type Config struct {
	// MaxPhotoDimension bounds the longer edge of site photos before upload.
	MaxPhotoDimension int
	// JPEGQuality for re-encoded photos; defaults to 85.
	JPEGQuality int
}

// Submitter performs one remote submission per call and classifies the
// attempt. It never decides retry timing; that belongs to the drain loop.
type Submitter struct {
	client *remote.Client
	blob   BlobUploader
	cfg    Config
}

// New builds a submitter. blob may be nil, in which case uploads go to the
// backend as multipart requests.
func New(client *remote.Client, blob BlobUploader, cfg Config) *Submitter {
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 85
	}
	return &Submitter{client: client, blob: blob, cfg: cfg}
}

type actionRoute struct {
	method  string
	path    string
	needsID bool
}

var actionRoutes = map[string]actionRoute{
	models.ActionDailyLogCreate:  {http.MethodPost, "/api/daily-logs", false},
	models.ActionDailyLogUpdate:  {http.MethodPut, "/api/daily-logs/%s", true},
	models.ActionPunchItemCreate: {http.MethodPost, "/api/punch-items", false},
	models.ActionPunchItemUpdate: {http.MethodPut, "/api/punch-items/%s", true},
	models.ActionEquipmentLog:    {http.MethodPost, "/api/equipment-logs", false},
	models.ActionMaterialLog:     {http.MethodPost, "/api/material-logs", false},
	models.ActionTimecardCreate:  {http.MethodPost, "/api/timecards", false},
}

// ResourcePath returns the remote read path for an action's target resource.
// Conflict resolution fetches it to show the user the current server state.
// The second return is false for items without a readable target.
func ResourcePath(item models.QueueItem) (string, bool) {
	r, ok := actionRoutes[item.ActionType]
	if !ok || !r.needsID || item.ResourceID == "" {
		return "", false
	}
	return fmt.Sprintf(r.path, item.ResourceID), true
}

// Submit performs a single attempt for the item.
func (s *Submitter) Submit(ctx context.Context, item models.QueueItem) Outcome {
	switch item.Kind {
	case models.KindAction:
		return s.submitAction(ctx, item)
	case models.KindPhoto, models.KindFile:
		return s.submitUpload(ctx, item)
	default:
		return terminal(fmt.Sprintf("unknown item kind %q", item.Kind))
	}
}

func (s *Submitter) submitAction(ctx context.Context, item models.QueueItem) Outcome {
	route, ok := actionRoutes[item.ActionType]
	if !ok {
		return terminal(fmt.Sprintf("unknown action type %q", item.ActionType))
	}
	path := route.path
	if route.needsID {
		if item.ResourceID == "" {
			return terminal(fmt.Sprintf("action %s requires a resource id", item.ActionType))
		}
		path = fmt.Sprintf(route.path, item.ResourceID)
	}
	return Classify(s.client.Do(ctx, route.method, path, item.Payload))
}

func (s *Submitter) submitUpload(ctx context.Context, item models.QueueItem) Outcome {
	path, fileField, fields, outcome := uploadTarget(item)
	if outcome != nil {
		return *outcome
	}

	f, err := os.Open(item.LocalPath)
	if err != nil {
		// A missing spool file can never upload; don't burn retries on it.
		return Classify(fmt.Errorf("open upload file: %w", err))
	}
	defer f.Close()

	body, filename, contentType := s.uploadBody(f, item)

	if s.blob != nil {
		key := item.ID + filepath.Ext(filename)
		location, err := s.blob.Upload(ctx, key, body, contentType)
		if err != nil {
			return Classify(err)
		}
		notify := map[string]any{
			"object_url": location,
			"filename":   filename,
			"metadata":   item.Metadata,
		}
		for k, v := range fields {
			notify[k] = v
		}
		return Classify(s.client.Do(ctx, http.MethodPost, path, notify))
	}

	if item.Metadata != nil {
		meta, err := json.Marshal(item.Metadata)
		if err != nil {
			return terminal(fmt.Sprintf("marshal metadata: %v", err))
		}
		fields["metadata"] = string(meta)
	}
	return Classify(s.client.Upload(ctx, path, fields, fileField, filename, body))
}

// uploadTarget maps an upload item to its backend endpoint and form fields.
// A non-nil outcome means the item is malformed and terminally failed.
func uploadTarget(item models.QueueItem) (path, fileField string, fields map[string]string, bad *Outcome) {
	switch item.Kind {
	case models.KindPhoto:
		if item.DailyLogID == "" {
			o := terminal("photo upload requires a daily log id")
			return "", "", nil, &o
		}
		return "/api/daily-logs/" + item.DailyLogID + "/photos", "photo", map[string]string{}, nil
	default:
		if item.ProjectID == "" {
			o := terminal("file upload requires a project id")
			return "", "", nil, &o
		}
		fields := map[string]string{}
		if item.Category != "" {
			fields["category"] = item.Category
		}
		return "/api/projects/" + item.ProjectID + "/files", "file", fields, nil
	}
}

// uploadBody returns the reader to stream, the filename to present, and the
// content type. Site photos get downscaled when configured; anything that
// fails to decode is uploaded untouched.
func (s *Submitter) uploadBody(f *os.File, item models.QueueItem) (io.Reader, string, string) {
	filename := filepath.Base(item.LocalPath)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if item.Kind != models.KindPhoto || s.cfg.MaxPhotoDimension <= 0 {
		return f, filename, contentType
	}

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		_, _ = f.Seek(0, io.SeekStart)
		return f, filename, contentType
	}

	bounds := img.Bounds()
	if bounds.Dx() > s.cfg.MaxPhotoDimension || bounds.Dy() > s.cfg.MaxPhotoDimension {
		img = imaging.Fit(img, s.cfg.MaxPhotoDimension, s.cfg.MaxPhotoDimension, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		_, _ = f.Seek(0, io.SeekStart)
		return f, filename, contentType
	}

	jpgName := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jpg"
	return buf, jpgName, "image/jpeg"
}
