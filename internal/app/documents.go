package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/documents"
	"rars/api/internal/lifecycle"
	"rars/api/internal/rbac"
	"rars/api/internal/store"
)

// maxUploadBytes bounds a single document upload.
const maxUploadBytes = 25 << 20

type DocumentUpload struct {
	Type     string
	FileName string
	MimeType string
	Data     []byte
}

// UploadDocument appends the next version of a document. An ETHICS_LETTER
// upload marks the application ethics-approved.
func (s *Service) UploadDocument(ctx context.Context, actor Session, applicationID string, in DocumentUpload) (doc store.Document, err error) {
	defer s.observe(ctx, actor, "upload_document", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionUploadDocument, current); err != nil {
		return store.Document{}, err
	}
	docType, err := documents.ParseType(in.Type)
	if err != nil {
		return store.Document{}, err
	}
	if !documents.Uploadable(docType) {
		return store.Document{}, errValidation("Decision letters are generated by the system and cannot be uploaded")
	}
	if lifecycle.Terminal(lifecycle.Status(current.Status)) {
		return store.Document{}, errInvalidTransition("Documents cannot be added to a " + current.Status + " application")
	}
	if len(in.Data) > maxUploadBytes {
		return store.Document{}, errValidation("File exceeds the 25 MB upload limit")
	}
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		return store.Document{}, errValidation("A file name is required")
	}
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	saved, err := s.ledger.Upload(ctx, documents.Upload{
		ApplicationID: current.ID,
		Type:          docType,
		FileName:      fileName,
		MimeType:      mimeType,
		Data:          in.Data,
		UploaderID:    actor.UserID,
	})
	if err != nil {
		return store.Document{}, err
	}
	s.logger.Info("document uploaded",
		zap.String("application_id", current.ID),
		zap.String("document_type", saved.DocumentType),
		zap.Int("version", saved.Version),
	)
	return saved, nil
}

// Checklist reports, per required document type, whether any version exists.
func (s *Service) Checklist(ctx context.Context, actor Session, applicationID string) (checklist map[documents.Type]bool, err error) {
	defer s.observe(ctx, actor, "checklist", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionViewApplication, current); err != nil {
		return nil, err
	}
	return s.checklistFor(ctx, current)
}

func (s *Service) checklistFor(ctx context.Context, app store.Application) (map[documents.Type]bool, error) {
	applicant, err := s.store.GetProfile(ctx, app.ApplicantID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListDocuments(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	present := make([]documents.Type, 0, len(docs))
	for _, doc := range docs {
		present = append(present, documents.Type(doc.DocumentType))
	}
	return documents.Checklist(store.ApplicantType(applicant.ApplicantType), present), nil
}

type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	FileName  string    `json:"fileName"`
}

// DocumentDownloadURL hands out a short-lived signed URL and records the
// access.
func (s *Service) DocumentDownloadURL(ctx context.Context, actor Session, documentID string) (link DownloadLink, err error) {
	defer s.observe(ctx, actor, "download_document", &err)

	doc, err := s.store.GetDocument(ctx, strings.TrimSpace(documentID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DownloadLink{}, errNotFound("Document")
		}
		return DownloadLink{}, err
	}
	current, err := s.loadApplication(ctx, doc.ApplicationID)
	if err != nil {
		return DownloadLink{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionDownloadDocument, current); err != nil {
		return DownloadLink{}, err
	}
	ttl := s.cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	url, err := s.blobs.SignedURL(ctx, doc.FilePath, ttl)
	if err != nil {
		return DownloadLink{}, err
	}
	if err := s.store.RecordDownload(ctx, doc.ID, actor.UserID); err != nil {
		s.logger.Warn("download not recorded", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return DownloadLink{URL: url, ExpiresAt: s.now().Add(ttl).UTC(), FileName: doc.FileName}, nil
}
