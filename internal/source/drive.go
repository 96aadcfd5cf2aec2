package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const pluginGoogleDrive = "google_drive"

const driveFolderMime = "application/vnd.google-apps.folder"

func init() {
	register(Plugin{
		ID:          pluginGoogleDrive,
		DisplayName: "Google Drive",
		Required:    []string{"folder_id"},
		properties: map[string]models.SchemaProperty{
			"folder_id":            {Type: "string", Title: "Folder ID"},
			"credentials_file":     {Type: "string", Title: "Credentials File", Description: "Path to a service account JSON key"},
			"service_account_info": {Type: "object", Title: "Service Account Info", Description: "Inline service account JSON key", WriteOnly: true},
			"api_key":              {Type: "string", Title: "API Key", WriteOnly: true},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c GoogleDriveConfig
			if err := decodeConfig(pluginGoogleDrive, cfg, &c); err != nil {
				return nil, err
			}
			return NewGoogleDrive(c)
		},
	})
}

// GoogleDriveConfig configures the google_drive connector. Credentials come
// from a service account file, inline service account JSON, or an API key.
type GoogleDriveConfig struct {
	FolderID           string         `json:"folder_id"`
	CredentialsFile    string         `json:"credentials_file"`
	ServiceAccountInfo map[string]any `json:"service_account_info"`
	APIKey             string         `json:"api_key"`
}

// GoogleDrive reads the files directly inside a Drive folder.
type GoogleDrive struct {
	cfg  GoogleDriveConfig
	opts []option.ClientOption
}

// NewGoogleDrive validates the config.
func NewGoogleDrive(cfg GoogleDriveConfig, opts ...option.ClientOption) (*GoogleDrive, error) {
	if cfg.FolderID == "" {
		return nil, ingesterr.Validation("google_drive: folder_id is required")
	}
	if len(opts) == 0 {
		switch {
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		case len(cfg.ServiceAccountInfo) > 0:
			data, err := jsonBytes(cfg.ServiceAccountInfo)
			if err != nil {
				return nil, ingesterr.Validation("google_drive: service_account_info: %v", err)
			}
			opts = append(opts, option.WithCredentialsJSON(data))
		case cfg.APIKey != "":
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		default:
			return nil, ingesterr.Validation("google_drive: one of credentials_file, service_account_info or api_key is required")
		}
	}
	opts = append(opts, option.WithScopes(drive.DriveReadonlyScope))
	return &GoogleDrive{cfg: cfg, opts: opts}, nil
}

func (g *GoogleDrive) Plugin() string { return pluginGoogleDrive }

func (g *GoogleDrive) Open(ctx context.Context) (Iterator, error) {
	svc, err := drive.NewService(ctx, g.opts...)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAuth, pluginGoogleDrive, err)
	}
	it := &driveIterator{svc: svc, folderID: g.cfg.FolderID}
	if err := it.fill(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

type driveIterator struct {
	svc       *drive.Service
	folderID  string
	pending   []*drive.File
	pageToken string
	listed    bool
}

func (it *driveIterator) fill(ctx context.Context) error {
	for len(it.pending) == 0 && (!it.listed || it.pageToken != "") {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		call := it.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(it.folderID, "'", `\'`))).
			Fields("nextPageToken, files(id, name, mimeType, modifiedTime, size)").
			PageSize(100).
			Context(callCtx)
		if it.pageToken != "" {
			call = call.PageToken(it.pageToken)
		}
		list, err := call.Do()
		cancel()
		if err != nil {
			return classifyGoogle("drive.list", err)
		}
		it.listed = true
		it.pageToken = list.NextPageToken
		for _, f := range list.Files {
			if f.MimeType != driveFolderMime {
				it.pending = append(it.pending, f)
			}
		}
	}
	return nil
}

func (it *driveIterator) Next(ctx context.Context) (models.Document, error) {
	if err := it.fill(ctx); err != nil {
		return models.Document{}, err
	}
	if len(it.pending) == 0 {
		return models.Document{}, EOF
	}

	f := it.pending[0]
	data, err := it.download(ctx, f)
	if err != nil {
		err = classifyGoogle("drive.get", err)
		if !ingesterr.Retryable(err) {
			it.pending = it.pending[1:]
		}
		return models.Document{}, err
	}
	it.pending = it.pending[1:]

	contentType := f.MimeType
	if isGoogleDoc(f.MimeType) {
		contentType = "text/plain"
	}
	text, meta, err := extractText(data, f.Name, contentType)
	if err != nil {
		return models.Document{}, ingesterr.Wrap(ingesterr.KindInvalidInput, pluginGoogleDrive, fmt.Errorf("%s: %w", f.Name, err))
	}
	meta["file_name"] = f.Name
	meta["file_id"] = f.Id
	meta["mime_type"] = f.MimeType
	if f.ModifiedTime != "" {
		meta["last_modified"] = f.ModifiedTime
	}
	return newDocument(pluginGoogleDrive, "gdrive://"+f.Id, text, meta), nil
}

func (it *driveIterator) download(ctx context.Context, f *drive.File) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var resp *http.Response
	var err error
	if isGoogleDoc(f.MimeType) {
		resp, err = it.svc.Files.Export(f.Id, "text/plain").Context(callCtx).Download()
	} else {
		resp, err = it.svc.Files.Get(f.Id).Context(callCtx).Download()
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readAllLimited(resp.Body, maxDocumentBytes)
}

func (it *driveIterator) Close() error { return nil }

func isGoogleDoc(mimeType string) bool {
	return strings.HasPrefix(mimeType, "application/vnd.google-apps.")
}

func classifyGoogle(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			if strings.Contains(strings.ToLower(gerr.Message), "rate limit") {
				return ingesterr.RateLimited(op, err, 0)
			}
			return ingesterr.Wrap(ingesterr.KindAuth, op, err)
		case gerr.Code == http.StatusNotFound:
			return ingesterr.Wrap(ingesterr.KindNotFound, op, err)
		case gerr.Code == http.StatusTooManyRequests:
			return ingesterr.RateLimited(op, err, 0)
		case gerr.Code >= 500:
			return ingesterr.Wrap(ingesterr.KindConnection, op, err)
		default:
			return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
		}
	}
	return ingesterr.Wrap(ingesterr.KindConnection, op, err)
}
