package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rars/api/internal/store"
)

// ErrEmptyFile rejects zero-byte uploads.
var ErrEmptyFile = errors.New("file is empty")

// Blobs is the object store the ledger writes file bytes to.
type Blobs interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Appender persists document metadata and assigns the version.
type Appender interface {
	AppendDocument(ctx context.Context, doc store.Document) (store.Document, error)
}

type Upload struct {
	ApplicationID string
	Type          Type
	FileName      string
	MimeType      string
	Data          []byte
	UploaderID    string
}

// Ledger is the append-only document history. Versions are assigned by the
// store under a unique (application, type, version) constraint; a writer that
// loses the race retries with a fresh max.
type Ledger struct {
	store    Appender
	blobs    Blobs
	now      func() time.Time
	attempts int
}

func NewLedger(s Appender, blobs Blobs) *Ledger {
	return &Ledger{store: s, blobs: blobs, now: time.Now, attempts: 3}
}

func (l *Ledger) Upload(ctx context.Context, in Upload) (store.Document, error) {
	if len(in.Data) == 0 {
		return store.Document{}, ErrEmptyFile
	}
	key := BlobKey(in.UploaderID, in.ApplicationID, in.Type, l.now(), in.FileName)
	if err := l.blobs.Upload(ctx, key, in.Data, in.MimeType); err != nil {
		return store.Document{}, fmt.Errorf("upload blob: %w", err)
	}

	doc := store.Document{
		ApplicationID: in.ApplicationID,
		DocumentType:  string(in.Type),
		FileName:      in.FileName,
		FilePath:      key,
		MimeType:      in.MimeType,
		SizeBytes:     int64(len(in.Data)),
		UploadedBy:    in.UploaderID,
	}
	var err error
	for attempt := 0; attempt < l.attempts; attempt++ {
		var saved store.Document
		saved, err = l.store.AppendDocument(ctx, doc)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return store.Document{}, err
		}
	}
	return store.Document{}, err
}
