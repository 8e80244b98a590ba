package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier posts alerts to a chat-style webhook. The body carries a
// readable text message plus the structured alert.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string       `json:"msgtype"`
	Text    webhookText  `json:"text"`
	Alert   AlertMessage `json:"alert"`
}

type webhookText struct {
	Content string `json:"content"`
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: defaultWebhookTimeout}}
}

// Notify sends msg; any non-2xx answer is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	body, err := json.Marshal(webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: alertText(msg)},
		Alert:   msg,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook notifier: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

func alertText(msg AlertMessage) string {
	lines := []string{
		"[Heat Pump Run Alert]",
		fmt.Sprintf("Run: %s (%s)", msg.RunID, msg.Workbook),
	}
	if msg.TenantID != "" {
		lines = append(lines, "Tenant: "+msg.TenantID)
	}
	lines = append(lines, fmt.Sprintf("Rows: %d aligned, %d solved, %d failed (%.0f%%)",
		msg.RowsAligned, msg.RowsSolved, msg.RowsFailed, 100*msg.FailedRatio))
	if msg.COPMean != nil {
		lines = append(lines, fmt.Sprintf("Mean COP: %.3f", *msg.COPMean))
	}
	if msg.ReportURL != "" {
		lines = append(lines, "Report: "+msg.ReportURL)
	}
	if msg.RecommendedAction != "" && msg.RecommendedAction != "none" {
		lines = append(lines, "Suggested: "+msg.RecommendedAction)
	}
	return strings.Join(lines, "\n")
}
