package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxRemotePDFBytes = 50 << 20

// ErrRendererUnavailable is returned when the remote renderer cannot be reached.
var ErrRendererUnavailable = errors.New("pdf renderer unavailable")

// RemoteRenderer asks an HTTP rendering service for the snapshot PDF. The
// service receives the snapshot as JSON and replies with application/pdf.
type RemoteRenderer struct {
	endpoint string
	client   *http.Client
}

func NewRemoteRenderer(endpoint string, client *http.Client) (*RemoteRenderer, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("renderer endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RemoteRenderer{endpoint: endpoint, client: client}, nil
}

func (r *RemoteRenderer) Render(ctx context.Context, s Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render snapshot: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxRemotePDFBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read rendered pdf: %w", err)
	}
	if len(pdf) > maxRemotePDFBytes {
		return nil, errors.New("rendered pdf too large")
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, errors.New("renderer did not return a pdf")
	}
	return pdf, nil
}
