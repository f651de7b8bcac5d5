package store

import (
	"encoding/json"
	"time"
)

type Profile struct {
	ID            string
	FullName      string
	Email         string
	PasswordHash  string
	ApplicantType string
	Institution   string
	Roles         []string
	CreatedAt     time.Time
}

type Application struct {
	ID                 string
	ReferenceNumber    string
	ApplicantID        string
	Title              string
	Abstract           string
	Objectives         string
	Methodology        string
	DataType           string
	SensitivityLevel   string
	SensitivityReason  string
	EthicsApproved     bool
	SupervisorName     string
	SupervisorEmail    string
	StartDate          *time.Time
	EndDate            *time.Time
	Status             string
	ScreeningDeadline  *time.Time
	TurnaroundDeadline *time.Time
	SubmittedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ApplicationFilter struct {
	ApplicantID string
	ReviewerID  string
	Status      string
	Limit       int
}

type Document struct {
	ID            string
	ApplicationID string
	DocumentType  string
	FileName      string
	FilePath      string
	MimeType      string
	SizeBytes     int64
	Version       int
	UploadedBy    string
	IsDeleted     bool
	CreatedAt     time.Time
}

type Review struct {
	ID             string
	ApplicationID  string
	ReviewerID     string
	Stage          string
	Recommendation string
	Comments       string
	AssignedAt     time.Time
	SubmittedAt    *time.Time
}

type Decision struct {
	ID               string
	ApplicationID    string
	Decision         string
	DecidedBy        string
	DecisionDate     time.Time
	Notes            string
	LetterDocumentID string
	// Snapshot of the fields the signature hash covers.
	ReferenceNumber string
	Title           string
	ApplicantName   string
}

type ApprovalSignature struct {
	ID          string
	DecisionID  string
	Token       string
	PayloadHash string
	IssuedAt    time.Time
}

// SignedDecision joins a signature with the decision it was issued for.
type SignedDecision struct {
	Signature ApprovalSignature
	Decision  Decision
}

type Extension struct {
	ID               string
	ApplicationID    string
	RequestedBy      string
	Reason           string
	CurrentEndDate   *time.Time
	RequestedEndDate time.Time
	Status           string
	DecidedBy        string
	DecisionDate     *time.Time
	DecisionNotes    string
	CreatedAt        time.Time
}

type RepositoryItem struct {
	ID              string
	ApplicationID   string
	Title           string
	Abstract        string
	Keywords        []string
	PublicationYear int
	Institution     string
	ProgramArea     string
	PublicVisible   bool
	Restricted      bool
	PublishedAt     time.Time
}

const (
	AccessView     = "VIEW"
	AccessDownload = "DOWNLOAD"
)

// AccessLog is one view or download of a published repository item. UserID
// is empty for anonymous visitors.
type AccessLog struct {
	ID               string
	RepositoryItemID string
	UserID           string
	Action           string
	TermsAccepted    bool
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
}

type WatchedItem struct {
	Item      RepositoryItem
	WatchedAt time.Time
}

type AccessDay struct {
	Date      string
	Views     int
	Downloads int
}

type ItemDownloads struct {
	RepositoryItemID string
	Title            string
	Downloads        int
}

// AccessSummary aggregates access logs recorded since Since.
type AccessSummary struct {
	Since        time.Time
	Views        int
	Downloads    int
	Items        int
	Daily        []AccessDay
	TopDownloads []ItemDownloads
}

type Message struct {
	ID            string
	ApplicationID string
	SenderID      string
	Body          string
	CreatedAt     time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	Link      string
	Type      string
	DedupeKey string
	IsRead    bool
	CreatedAt time.Time
}

type AuditEntry struct {
	ID         string
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Before     json.RawMessage
	After      json.RawMessage
	CreatedAt  time.Time
}

const (
	IntentStarted   = "STARTED"
	IntentCommitted = "COMMITTED"
	IntentCompleted = "COMPLETED"
	IntentFailed    = "FAILED"
)

// Intent records one attempt at a multi-step workflow operation. Payload
// holds whatever the post-commit steps need to be replayed.
type Intent struct {
	ID             string
	IdempotencyKey string
	ApplicationID  string
	Operation      string
	ActorID        string
	Status         string
	Step           int
	Payload        json.RawMessage
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionWrite is everything one status transition persists. It is applied
// in a single transaction; the status update is conditional on the current
// status being one of ExpectedStatuses.
type TransitionWrite struct {
	IntentID         string
	ApplicationID    string
	ExpectedStatuses []string
	NextStatus       string
	ActorID          string
	AuditAction      string
	AuditEntity      string

	ScreeningDeadline  *time.Time
	TurnaroundDeadline *time.Time
	SubmittedAt        *time.Time

	Message        *Message
	NewReview      *Review
	SubmitReview   *Review
	LetterDocument *Document
	Decision       *Decision
	Signature      *ApprovalSignature
	RepositoryItem *RepositoryItem
}

// TransitionResult reports the rows a transition created.
type TransitionResult struct {
	Application    Application
	Review         *Review
	LetterDocument *Document
	Decision       *Decision
	Signature      *ApprovalSignature
	RepositoryItem *RepositoryItem
}

type ExtensionDecision struct {
	IntentID    string
	ExtensionID string
	Status      string
	DeciderID   string
	Notes       string
}
