package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
)

// localDocumentStore serves data layers from a directory on disk. Each
// layer is a file named by its UUID; the extension is free-form since the
// mime type is sniffed from content.
type localDocumentStore struct {
	root string
	log  *logger.Logger
}

func NewLocalDocumentStore(root string, baseLog *logger.Logger) DocumentStore {
	return &localDocumentStore{
		root: root,
		log:  baseLog.With("service", "LocalDocumentStore"),
	}
}

func (s *localDocumentStore) FetchBytes(ctx context.Context, dataLayerID uuid.UUID) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	matches, err := filepath.Glob(filepath.Join(s.root, dataLayerID.String()+"*"))
	if err != nil {
		return nil, "", err
	}
	if len(matches) == 0 {
		return nil, "", apperr.NotFound("data layer %s has no stored document", dataLayerID)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, "", err
	}
	return data, sniffMimeType(matches[0], data), nil
}

func sniffMimeType(path string, data []byte) string {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return "application/pdf"
	}
	return http.DetectContentType(data)
}

// imagePageRenderer handles single-image documents, which already are
// their own rendering. Paginated formats need a real rasterizer behind
// the same interface.
type imagePageRenderer struct {
	log *logger.Logger
}

func NewImagePageRenderer(baseLog *logger.Logger) DocumentRenderer {
	return &imagePageRenderer{log: baseLog.With("service", "ImagePageRenderer")}
}

func (r *imagePageRenderer) PageCount(ctx context.Context, data []byte, mimeType string) (int, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return 0, apperr.Validation("unsupported document type %q", mimeType)
	}
	return 1, nil
}

func (r *imagePageRenderer) PageToImage(ctx context.Context, data []byte, mimeType string, pageNumber int) (*RenderedPage, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, apperr.Validation("unsupported document type %q", mimeType)
	}
	if pageNumber != 1 {
		return nil, apperr.Validation("page %d out of range for single-page image", pageNumber)
	}
	return &RenderedPage{
		MimeType: mimeType,
		DataURL:  fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
	}, nil
}
