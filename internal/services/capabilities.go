package services

import (
	"context"

	"github.com/google/uuid"
)

// DocumentStore fetches the original bytes for a data layer. Implemented
// by the surrounding platform (object storage); this core only consumes
// the capability.
type DocumentStore interface {
	FetchBytes(ctx context.Context, dataLayerID uuid.UUID) (data []byte, mimeType string, err error)
}

// RenderedPage is one page rasterized for vision-model input.
type RenderedPage struct {
	MimeType string
	DataURL  string
}

// DocumentRenderer turns a document into page images. Rendering within a
// single document is sequential; the renderer owns whatever native
// tooling that requires.
type DocumentRenderer interface {
	PageCount(ctx context.Context, data []byte, mimeType string) (int, error)
	PageToImage(ctx context.Context, data []byte, mimeType string, pageNumber int) (*RenderedPage, error)
}
