// Package reportclient calls the report service over HTTP. It is what the
// form session and the auto-save coordinator talk to.
package reportclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bmsreport/pkg/catalog"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
)

// TokenSource returns the bearer token for the next request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// APIError is an error response from the report service. It unwraps to the
// domain sentinel matching its code, so callers use errors.Is.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	Violations domain.ValidationErrors
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("report service: status %d", e.Status)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	if len(e.Violations) > 0 {
		return e.Violations
	}
	if err, ok := domain.ErrorForCode(e.Code); ok {
		return err
	}
	if err, ok := photoCodeErrors[e.Code]; ok {
		return err
	}
	if e.Status == http.StatusUnauthorized {
		return domain.ErrSessionExpired
	}
	return nil
}

var photoCodeErrors = map[string]error{
	domain.CodePhotoDraftRequired: media.ErrDraftRequired,
	domain.CodePhotoTooLarge:      media.ErrPhotoTooLarge,
	domain.CodePhotoUnsupported:   media.ErrUnsupportedImage,
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its transport is still
// wrapped by the session-expiry interceptor when one is configured.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSessionExpired installs a callback run whenever the service rejects
// the bearer token.
func WithSessionExpired(fn func()) Option {
	return func(c *Client) {
		c.onExpired = fn
	}
}

// Client calls the report service.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	onExpired  func()
}

func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("report service url required")
	}
	if tokens == nil {
		return nil, errors.New("token source required")
	}
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onExpired != nil {
		hc := *c.httpClient
		hc.Transport = SessionExpiry(hc.Transport, c.onExpired)
		c.httpClient = &hc
	}
	return c, nil
}

// ReportDetail is a report with its decision history.
type ReportDetail struct {
	domain.Report
	Log      []domain.ApprovalLogEntry `json:"log"`
	Decision *domain.ApprovalLogEntry  `json:"decision,omitempty"`
}

type ReportPage struct {
	Items []domain.Report `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
}

// ListOptions narrows a report listing.
type ListOptions struct {
	Status    domain.ReportStatus
	StoreCode string
	Search    string
	Mine      bool
	Drafts    bool
	Page      int
	Size      int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.StoreCode != "" {
		q.Set("storeCode", o.StoreCode)
	}
	if o.Search != "" {
		q.Set("q", o.Search)
	}
	if o.Mine {
		q.Set("mine", "true")
		if o.Drafts {
			q.Set("drafts", "true")
		}
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Size > 0 {
		q.Set("size", strconv.Itoa(o.Size))
	}
	return q
}

func (c *Client) Catalog(ctx context.Context) ([]catalog.Category, error) {
	var resp struct {
		Categories []catalog.Category `json:"categories"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/catalog", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

func (c *Client) ListStores(ctx context.Context, branch string) ([]domain.Store, error) {
	path := "/api/stores"
	if branch = strings.TrimSpace(branch); branch != "" {
		path += "?" + url.Values{"branch": {branch}}.Encode()
	}
	var resp struct {
		Items []domain.Store `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Cooldown returns the preventive-category gate for a store.
func (c *Client) Cooldown(ctx context.Context, storeCode string) ([]domain.CategoryCooldown, error) {
	var resp struct {
		Categories []domain.CategoryCooldown `json:"categories"`
	}
	path := "/api/stores/" + url.PathEscape(strings.TrimSpace(storeCode)) + "/cooldown"
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

func (c *Client) StartDraft(ctx context.Context, storeCode string) (domain.Report, error) {
	var draft domain.Report
	err := c.call(ctx, http.MethodPost, "/api/drafts", map[string]string{"storeCode": storeCode}, &draft)
	return draft, err
}

// CurrentDraft returns the caller's live draft, if any.
func (c *Client) CurrentDraft(ctx context.Context) (domain.Report, bool, error) {
	var draft domain.Report
	err := c.call(ctx, http.MethodGet, "/api/drafts/current", nil, &draft)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Report{}, false, nil
	}
	if err != nil {
		return domain.Report{}, false, err
	}
	return draft, true, nil
}

func (c *Client) UpsertDraft(ctx context.Context, payload domain.DraftPayload) (domain.DraftReceipt, error) {
	var receipt domain.DraftReceipt
	err := c.call(ctx, http.MethodPut, "/api/drafts", payload, &receipt)
	return receipt, err
}

func (c *Client) DiscardDraft(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/api/drafts/current", nil, nil)
}

// UploadPhoto sends an already compressed photo for itemID of the draft
// reportID and returns its URL.
func (c *Client) UploadPhoto(ctx context.Context, reportID, itemID, filename string, r io.Reader) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("reportId", reportID)
	_ = writer.WriteField("itemId", itemID)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/drafts/photos", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) DeletePhoto(ctx context.Context, photoURL string) error {
	path := "/api/drafts/photos?" + url.Values{"url": {photoURL}}.Encode()
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) Submit(ctx context.Context, reportID string) (domain.Report, error) {
	var report domain.Report
	err := c.call(ctx, http.MethodPost, "/api/reports/"+url.PathEscape(reportID)+"/submit", nil, &report)
	return report, err
}

func (c *Client) Decide(ctx context.Context, reportID string, action domain.ApprovalAction, notes string) (domain.Report, error) {
	var report domain.Report
	body := map[string]string{"action": string(action), "notes": notes}
	err := c.call(ctx, http.MethodPost, "/api/reports/"+url.PathEscape(reportID)+"/decision", body, &report)
	return report, err
}

func (c *Client) Complete(ctx context.Context, reportID string) (domain.Report, error) {
	var report domain.Report
	err := c.call(ctx, http.MethodPost, "/api/reports/"+url.PathEscape(reportID)+"/complete", nil, &report)
	return report, err
}

func (c *Client) GetReport(ctx context.Context, reportID string) (ReportDetail, error) {
	var detail ReportDetail
	err := c.call(ctx, http.MethodGet, "/api/reports/"+url.PathEscape(reportID), nil, &detail)
	return detail, err
}

func (c *Client) FindReportByNumber(ctx context.Context, number string) (ReportDetail, error) {
	var detail ReportDetail
	err := c.call(ctx, http.MethodGet, "/api/reports/by-number/"+url.PathEscape(number), nil, &detail)
	return detail, err
}

func (c *Client) ListReports(ctx context.Context, opts ListOptions) (ReportPage, error) {
	path := "/api/reports"
	if q := opts.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page ReportPage
	err := c.call(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) CountByStatus(ctx context.Context, opts ListOptions) (map[domain.ReportStatus]int, error) {
	path := "/api/reports/counts"
	if q := opts.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Counts map[domain.ReportStatus]int `json:"counts"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// SnapshotURL returns a short-lived download link for the report PDF.
func (c *Client) SnapshotURL(ctx context.Context, reportID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/reports/"+url.PathEscape(reportID)+"/snapshot", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error      string                  `json:"error"`
			Code       string                  `json:"code"`
			RequestID  string                  `json:"requestId"`
			Violations domain.ValidationErrors `json:"violations"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{
			Status:     resp.StatusCode,
			Code:       strings.TrimSpace(errResp.Code),
			Message:    msg,
			RequestID:  errResp.RequestID,
			Violations: errResp.Violations,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
