package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRole string

const (
	// RoleBMS is the store maintenance staff who author reports.
	RoleBMS UserRole = "BMS"
	// RoleBMC is the approving coordinator.
	RoleBMC   UserRole = "BMC"
	RoleAdmin UserRole = "ADMIN"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleBMS, RoleBMC, RoleAdmin:
		return true
	}
	return false
}

// CanDecide reports whether the role may approve or reject reports.
func (r UserRole) CanDecide() bool {
	return r == RoleBMC || r == RoleAdmin
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Phone        string     `json:"phone,omitempty"`
	BranchName   string     `json:"branchName,omitempty"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID string   `json:"userId"`
	Role   UserRole `json:"role"`
}

// Store is a retail outlet a report is written for.
type Store struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	BranchName string    `json:"branchName"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Condition string

const (
	ConditionUnset   Condition = ""
	ConditionGood    Condition = "GOOD"
	ConditionDamaged Condition = "DAMAGED"
	ConditionAbsent  Condition = "ABSENT"
	ConditionOK      Condition = "OK"
	ConditionNotOK   Condition = "NOT_OK"
)

// RequiresPhoto reports whether an item in this condition needs photographic evidence.
func (c Condition) RequiresPhoto() bool {
	return c == ConditionGood || c == ConditionDamaged
}

type Handler string

const (
	HandlerUnset   Handler = ""
	HandlerSelf    Handler = "SELF"
	HandlerPartner Handler = "PARTNER"
)

func (h Handler) Valid() bool {
	return h == HandlerSelf || h == HandlerPartner
}

type ChecklistAnswer struct {
	ItemID    string    `json:"itemId"`
	Condition Condition `json:"condition"`
	Handler   Handler   `json:"handler,omitempty"`
	PhotoURL  string    `json:"photoUrl,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// SelfHandled reports whether the item is damaged and repaired by store staff.
func (a ChecklistAnswer) SelfHandled() bool {
	return a.Condition == ConditionDamaged && a.Handler == HandlerSelf
}

type EstimationLine struct {
	ItemID       string          `json:"itemId"`
	MaterialName string          `json:"materialName" validate:"required,max=120"`
	Quantity     decimal.Decimal `json:"quantity" validate:"gt=0"`
	Unit         string          `json:"unit" validate:"max=20"`
	UnitPrice    decimal.Decimal `json:"unitPrice" validate:"gt=0"`
	LineTotal    decimal.Decimal `json:"lineTotal"`
}

type ReportStatus string

const (
	ReportDraft           ReportStatus = "DRAFT"
	ReportPendingApproval ReportStatus = "PENDING_APPROVAL"
	ReportApproved        ReportStatus = "APPROVED"
	ReportRejected        ReportStatus = "REJECTED"
	ReportCompleted       ReportStatus = "COMPLETED"
)

func (s ReportStatus) Valid() bool {
	switch s {
	case ReportDraft, ReportPendingApproval, ReportApproved, ReportRejected, ReportCompleted:
		return true
	}
	return false
}

type Report struct {
	ID              string                      `json:"id"`
	ReportNumber    string                      `json:"reportNumber"`
	StoreCode       string                      `json:"storeCode,omitempty"`
	StoreName       string                      `json:"storeName,omitempty"`
	BranchName      string                      `json:"branchName,omitempty"`
	Status          ReportStatus                `json:"status"`
	Answers         []ChecklistAnswer           `json:"answers"`
	Estimations     map[string][]EstimationLine `json:"estimations"`
	TotalEstimation decimal.Decimal             `json:"totalEstimation"`
	CreatedBy       string                      `json:"createdBy"`
	ClientSeq       int64                       `json:"clientSeq"`
	CreatedAt       time.Time                   `json:"createdAt"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

// IsDraft reports whether the report is still editable by its creator.
func (r Report) IsDraft() bool {
	return r.Status == ReportDraft
}

// PhotoURLs lists every non-empty photo reference in answer order.
func (r Report) PhotoURLs() []string {
	urls := make([]string, 0, len(r.Answers))
	for _, a := range r.Answers {
		if a.PhotoURL != "" {
			urls = append(urls, a.PhotoURL)
		}
	}
	return urls
}

type ApprovalAction string

const (
	ActionApproved ApprovalAction = "APPROVED"
	ActionRejected ApprovalAction = "REJECTED"
)

// ParseDecision accepts the verb forms (APPROVE, REJECT) as well as the past tense.
func ParseDecision(raw string) (ApprovalAction, bool) {
	switch raw {
	case "APPROVE", "APPROVED", "approve", "approved":
		return ActionApproved, true
	case "REJECT", "REJECTED", "reject", "rejected":
		return ActionRejected, true
	}
	return "", false
}

// Status returns the report status a decision moves the report into.
func (a ApprovalAction) Status() ReportStatus {
	if a == ActionApproved {
		return ReportApproved
	}
	return ReportRejected
}

// ApprovalLogEntry is one recorded decision. Seq numbers the entries of a
// report from 1 in the order they were recorded.
type ApprovalLogEntry struct {
	ID         string         `json:"id"`
	ReportID   string         `json:"reportId"`
	Seq        int            `json:"seq"`
	ActingUser string         `json:"actingUser"`
	Action     ApprovalAction `json:"action"`
	Notes      string         `json:"notes,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// DraftPayload is the full editable state of a draft, re-sent on every save.
type DraftPayload struct {
	ReportID     string                      `json:"reportId,omitempty"`
	ReportNumber string                      `json:"reportNumber,omitempty"`
	StoreCode    string                      `json:"storeCode,omitempty"`
	Answers      []ChecklistAnswer           `json:"answers"`
	Estimations  map[string][]EstimationLine `json:"estimations"`
	ClientSeq    int64                       `json:"clientSeq"`
}

// Empty reports whether the payload carries nothing worth persisting.
func (p DraftPayload) Empty() bool {
	return p.StoreCode == "" && len(p.Answers) == 0 && len(p.Estimations) == 0
}

// DraftReceipt acknowledges a draft save. Applied is false when a newer
// save had already been stored and this payload was ignored.
type DraftReceipt struct {
	ReportID     string    `json:"reportId"`
	ReportNumber string    `json:"reportNumber"`
	ClientSeq    int64     `json:"clientSeq"`
	Applied      bool      `json:"applied"`
	SavedAt      time.Time `json:"savedAt"`
}

// CategoryCooldown tells whether a preventive category may be inspected again.
type CategoryCooldown struct {
	CategoryID      string     `json:"categoryId"`
	LastSubmittedAt *time.Time `json:"lastSubmittedAt,omitempty"`
	AvailableAt     *time.Time `json:"availableAt,omitempty"`
	Active          bool       `json:"active"`
}

type ReportFilter struct {
	CreatedBy string
	Status    ReportStatus
	StoreCode string
	Search    string
	// IncludeDrafts is only honoured for creator-scoped listings.
	IncludeDrafts bool
}

type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page into a usable range.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}
