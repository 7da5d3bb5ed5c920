package store

import (
	"context"
	"encoding/json"
	"time"

	"bmsreport/pkg/domain"
)

// Store defines persistence operations for users, stores, reports and the
// notification outbox.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	UpsertUserByEmail(ctx context.Context, u domain.User) (created bool, err error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	ListUsersByRole(ctx context.Context, role domain.UserRole) ([]domain.User, error)

	// stores
	SaveStore(ctx context.Context, s domain.Store) error
	GetStore(ctx context.Context, code string) (domain.Store, bool, error)
	ListStores(ctx context.Context, branch string) ([]domain.Store, error)

	// drafts
	GetDraftByCreator(ctx context.Context, creatorID string) (domain.Report, bool, error)
	CreateDraft(ctx context.Context, r domain.Report) error
	UpdateDraft(ctx context.Context, r domain.Report) (applied bool, err error)
	DeleteDraft(ctx context.Context, id, creatorID string) (bool, error)

	// reports
	GetReport(ctx context.Context, id string) (domain.Report, bool, error)
	FindReportByNumber(ctx context.Context, number string) (domain.Report, bool, error)
	ListReports(ctx context.Context, filter domain.ReportFilter, page domain.Page) ([]domain.Report, int, error)
	CountReportsByStatus(ctx context.Context, filter domain.ReportFilter) (map[domain.ReportStatus]int, error)
	SubmitReport(ctx context.Context, r domain.Report, events []OutboxEvent) error
	TransitionReport(ctx context.Context, t Transition) error
	ListApprovalLogs(ctx context.Context, reportID string) ([]domain.ApprovalLogEntry, error)
	LastSubmissionByCategory(ctx context.Context, storeCode string, itemsByCategory map[string][]string) (map[string]time.Time, error)

	// numbering
	NextSequence(ctx context.Context, prefix string) (int, error)

	// outbox
	ClaimOutbox(ctx context.Context, workerID string, limit int, staleBefore time.Time) ([]OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, cause string) error
}

// Transition moves a report from one of From to To. Log and Events are
// written in the same transaction.
type Transition struct {
	ReportID string
	From     []domain.ReportStatus
	To       domain.ReportStatus
	Log      *domain.ApprovalLogEntry
	Events   []OutboxEvent
	At       time.Time
}

const (
	EventReportSubmitted = "report.submitted"
	EventReportDecided   = "report.decided"
	EventReportCompleted = "report.completed"
)

// OutboxEvent is a pending side effect of a report transition.
type OutboxEvent struct {
	ID        string          `json:"id"`
	ReportID  string          `json:"reportId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SessionStore issues and verifies bearer sessions.
type SessionStore interface {
	NewSession(ctx context.Context, user domain.User) (Session, error)
	VerifySession(ctx context.Context, token string) (domain.Identity, error)
	DeleteSession(ctx context.Context, token string) error
}

// Session is an issued bearer token.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is exposed by session stores that publish their keys.
type JWKSProvider interface {
	JWKS() []JWK
}
