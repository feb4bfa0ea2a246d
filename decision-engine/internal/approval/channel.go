package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

type WebhookConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// WebhookChannel posts approval cards to a chat bridge. The bridge answers Notify with the id of
// the message it created so later status updates can edit it in place.
type WebhookChannel struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("approval webhook url required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("approval webhook url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		url:     strings.TrimSuffix(cfg.URL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		client:  client,
	}, nil
}

type approvalCard struct {
	OperationID string                `json:"operationId"`
	EntityID    string                `json:"entityId"`
	Action      models.ActionKind     `json:"action"`
	Before      string                `json:"before"`
	After       string                `json:"after"`
	Reason      string                `json:"reason"`
	Status      string                `json:"status"`
	DecidedBy   string                `json:"decidedBy,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	Score       *models.ScoringResult `json:"score,omitempty"`
}

func cardFor(op models.Operation) approvalCard {
	card := approvalCard{
		OperationID: op.ID.String(),
		EntityID:    op.EntityID,
		Action:      op.Action,
		Before:      op.BeforeValue(),
		After:       op.AfterValue(),
		Reason:      op.Reason,
		Status:      string(op.Status),
		DecidedBy:   op.DecidedBy,
		Score:       op.ScoreSnapshot,
	}
	switch {
	case op.RejectReason != "":
		card.Detail = op.RejectReason
	case op.LastError != "":
		card.Detail = op.LastError
	}
	return card
}

func (c *WebhookChannel) Notify(ctx context.Context, op models.Operation) (string, error) {
	var out struct {
		MessageRef string `json:"messageRef"`
	}
	if err := c.post(ctx, c.url+"/approvals", cardFor(op), &out); err != nil {
		return "", err
	}
	return out.MessageRef, nil
}

func (c *WebhookChannel) UpdateStatus(ctx context.Context, ref string, op models.Operation) error {
	if ref == "" {
		return fmt.Errorf("approval message ref required")
	}
	return c.post(ctx, c.url+"/approvals/"+url.PathEscape(ref)+"/status", cardFor(op), nil)
}

func (c *WebhookChannel) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("approval webhook marshal: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("approval webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("approval webhook call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("approval webhook %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("approval webhook decode: %w", err)
	}
	return nil
}
