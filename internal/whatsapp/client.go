// Package whatsapp is a thin client for the messaging platform's cloud
// API: outbound text / interactive / image sends, media upload, read
// receipts, and normalization of inbound webhook payloads.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/config"
)

// Platform string limits. Anything longer is truncated to limit-3 plus
// an ellipsis before sending.
const (
	MaxButtonID     = 256
	MaxButtonTitle  = 20
	MaxRowID        = 200
	MaxRowTitle     = 24
	MaxRowDesc      = 72
	MaxSectionTitle = 24
	MaxActionButton = 20
	MaxListRows     = 10
)

// Truncate clips s to limit runes, appending "..." when clipped.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

// ─── Outbound payload shapes ────────────────────────────────

// Button is one reply button (1-3 per message).
type Button struct {
	ID    string
	Title string
}

// Row is one row of an interactive list.
type Row struct {
	ID          string
	Title       string
	Description string
}

// Section groups list rows under a title.
type Section struct {
	Title string
	Rows  []Row
}

// Client talks to the messaging platform. All sends address normalized
// phone numbers.
type Client struct {
	cfg  config.WhatsAppConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a messaging client.
func NewClient(cfg config.WhatsAppConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With().Str("component", "whatsapp").Logger(),
	}
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.PhoneNumberID)
}

func (c *Client) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("whatsapp: send failed with %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text},
	})
}

// SendButtons sends an interactive button set (1-3 buttons).
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []Button) error {
	btns := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		btns = append(btns, map[string]any{
			"type": "reply",
			"reply": map[string]string{
				"id":    Truncate(b.ID, MaxButtonID),
				"title": Truncate(b.Title, MaxButtonTitle),
			},
		})
	}
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": body},
			"action": map[string]any{"buttons": btns},
		},
	})
}

// SendList sends an interactive list. Rows beyond the platform cap of
// ten (across all sections) are dropped.
func (c *Client) SendList(ctx context.Context, to, body, buttonText string, sections []Section) error {
	total := 0
	secs := make([]map[string]any, 0, len(sections))
	for _, s := range sections {
		rows := make([]map[string]string, 0, len(s.Rows))
		for _, row := range s.Rows {
			if total >= MaxListRows {
				c.log.Warn().Str("to", to).Msg("list rows over platform cap, truncating")
				break
			}
			entry := map[string]string{
				"id":    Truncate(row.ID, MaxRowID),
				"title": Truncate(row.Title, MaxRowTitle),
			}
			if row.Description != "" {
				entry["description"] = Truncate(row.Description, MaxRowDesc)
			}
			rows = append(rows, entry)
			total++
		}
		if len(rows) == 0 {
			continue
		}
		secs = append(secs, map[string]any{
			"title": Truncate(s.Title, MaxSectionTitle),
			"rows":  rows,
		})
	}
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "list",
			"body":   map[string]string{"text": body},
			"action": map[string]any{
				"button":   Truncate(buttonText, MaxActionButton),
				"sections": secs,
			},
		},
	})
}

// SendImageByID sends a previously uploaded image by media id.
func (c *Client) SendImageByID(ctx context.Context, to, mediaID, caption string) error {
	img := map[string]string{"id": mediaID}
	if caption != "" {
		img["caption"] = caption
	}
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             img,
	})
}

// MarkRead sends a read receipt for an inbound message. Callers treat
// this as fire-and-forget.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
}

// UploadMedia uploads PNG bytes to the platform media store and returns
// the media id used by image sends.
func (c *Client) UploadMedia(ctx context.Context, filename string, png []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("whatsapp: media form: %w", err)
	}
	if err := w.WriteField("type", "image/png"); err != nil {
		return "", fmt.Errorf("whatsapp: media form: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("whatsapp: media form: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return "", fmt.Errorf("whatsapp: media form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("whatsapp: media form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", c.cfg.APIBase, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("whatsapp: build upload: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("whatsapp: upload failed with %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whatsapp: decode upload response: %w", err)
	}
	return out.ID, nil
}
