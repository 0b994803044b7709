package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/config"
	"github.com/wekesa/tikiti/internal/model"
)

// tokenEarlyRefresh renews the cached access token this long before
// its stated expiry.
const tokenEarlyRefresh = 30 * time.Second

// HostedClient drives the hosted-redirect card flow: the user leaves
// the chat for the provider's payment page and returns via deep link;
// the provider confirms via IPN webhook.
//
// Both the access token and the IPN notification id are per-process
// best-effort caches — a new process simply re-earns them. Concurrent
// first use may double-fetch; one wasted call is harmless.
type HostedClient struct {
	cfg  config.HostedConfig
	http *http.Client
	log  zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	ipnID       string
}

// NewHostedClient creates a hosted-redirect payment client.
func NewHostedClient(cfg config.HostedConfig, log zerolog.Logger) *HostedClient {
	return &HostedClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With().Str("component", "hosted").Logger(),
	}
}

// ─── Auth ───────────────────────────────────────────────────

type authResponse struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
}

// accessToken returns the cached token, refreshing when absent or
// within tokenEarlyRefresh of expiry.
func (c *HostedClient) accessToken(ctx context.Context, force bool) (string, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", newError(ProviderHosted, CodeConfig, ErrConfig)
	}

	c.mu.Lock()
	if !force && c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenEarlyRefresh)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"consumer_key":    c.cfg.ConsumerKey,
		"consumer_secret": c.cfg.ConsumerSecret,
	})
	var out authResponse
	if err := c.postJSON(ctx, "/api/Auth/RequestToken", "", body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", newError(ProviderHosted, CodeUnavailable, fmt.Errorf("empty token from provider"))
	}

	expiry := time.Now().Add(5 * time.Minute)
	if t, err := time.Parse(time.RFC3339, out.ExpiryDate); err == nil {
		expiry = t
	}

	c.mu.Lock()
	c.token = out.Token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return out.Token, nil
}

// ─── IPN registration ───────────────────────────────────────

type ipnResponse struct {
	IPNID string `json:"ipn_id"`
}

// notificationID lazily registers the callback URL as an IPN endpoint
// on first use and memoizes the resulting id process-wide.
func (c *HostedClient) notificationID(ctx context.Context, token string) (string, error) {
	c.mu.Lock()
	if c.ipnID != "" {
		id := c.ipnID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"url":                   c.cfg.CallbackURL,
		"ipn_notification_type": "POST",
	})
	var out ipnResponse
	if err := c.postJSON(ctx, "/api/URLSetup/RegisterIPN", token, body, &out); err != nil {
		return "", err
	}
	if out.IPNID == "" {
		return "", newError(ProviderHosted, CodeUnavailable, fmt.Errorf("empty ipn id from provider"))
	}

	c.mu.Lock()
	c.ipnID = out.IPNID
	c.mu.Unlock()
	c.log.Info().Str("ipn_id", out.IPNID).Msg("registered notification endpoint")
	return out.IPNID, nil
}

// ─── Order submission ───────────────────────────────────────

type orderResponse struct {
	OrderTrackingID string `json:"order_tracking_id"`
	RedirectURL     string `json:"redirect_url"`
	Error           *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetPaymentLink submits the booking as an order and returns the
// provider-hosted payment page URL. The booking id is the merchant
// reference echoed back through GetTransactionStatus.
func (c *HostedClient) GetPaymentLink(ctx context.Context, booking *model.Booking, description string) (string, error) {
	run := func(force bool) (string, error) {
		token, err := c.accessToken(ctx, force)
		if err != nil {
			return "", err
		}
		ipnID, err := c.notificationID(ctx, token)
		if err != nil {
			return "", err
		}

		body, _ := json.Marshal(map[string]any{
			"id":              booking.ID,
			"currency":        "KES",
			"amount":          booking.TotalAmount.InexactFloat64(),
			"description":     description,
			"callback_url":    c.cfg.CallbackURL,
			"notification_id": ipnID,
			"billing_address": map[string]string{
				"phone_number": booking.PaymentPhoneNumber,
			},
		})
		var out orderResponse
		if err := c.postJSON(ctx, "/api/Transactions/SubmitOrderRequest", token, body, &out); err != nil {
			return "", err
		}
		if out.Error != nil {
			return "", newError(ProviderHosted, out.Error.Code,
				fmt.Errorf("submit order: %s", out.Error.Message))
		}
		if out.RedirectURL == "" {
			return "", newError(ProviderHosted, CodeUnavailable, fmt.Errorf("empty redirect url"))
		}
		return out.RedirectURL, nil
	}

	url, err := run(false)
	if isUnauthorized(err) {
		url, err = run(true)
	}
	return url, err
}

// ─── Transaction status ─────────────────────────────────────

// TransactionStatus is the provider's view of one order. Field
// spellings differ between provider versions, so the accessors fall
// back across the known variants.
type TransactionStatus struct {
	PaymentStatusDescription string `json:"payment_status_description"`
	Status                   string `json:"status"`
	OrderMerchantReference   string `json:"order_merchant_reference"`
	MerchantReference        string `json:"merchant_reference"`
	ConfirmationCode         string `json:"confirmation_code"`
	OrderTrackingID          string `json:"order_tracking_id"`
	PaymentAccount           string `json:"payment_account"`
	PhoneNumber              string `json:"phone_number"`
}

// IsCompleted reports whether the order was paid.
func (s *TransactionStatus) IsCompleted() bool {
	return strings.EqualFold(s.PaymentStatusDescription, "completed") ||
		strings.EqualFold(s.Status, "completed")
}

// MerchantReferenceValue returns the booking id the order was created with.
func (s *TransactionStatus) MerchantReferenceValue() string {
	for _, v := range []string{s.OrderMerchantReference, s.MerchantReference, s.ConfirmationCode} {
		if v != "" {
			return v
		}
	}
	return ""
}

// PaymentReferenceValue returns the provider-side payment reference.
func (s *TransactionStatus) PaymentReferenceValue() string {
	if s.ConfirmationCode != "" {
		return s.ConfirmationCode
	}
	return s.OrderTrackingID
}

// PayerPhone returns the payer phone when the provider supplied one.
func (s *TransactionStatus) PayerPhone() string {
	if s.PaymentAccount != "" {
		return s.PaymentAccount
	}
	return s.PhoneNumber
}

// GetTransactionStatus queries the provider for an order's state.
func (c *HostedClient) GetTransactionStatus(ctx context.Context, orderTrackingID string) (*TransactionStatus, error) {
	run := func(force bool) (*TransactionStatus, error) {
		token, err := c.accessToken(ctx, force)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s/api/Transactions/GetTransactionStatus?orderTrackingId=%s",
			c.cfg.BaseURL, orderTrackingID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, newError(ProviderHosted, CodeUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, newError(ProviderHosted, CodeUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, newError(ProviderHosted, "unauthorized", fmt.Errorf("token rejected"))
		}
		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, newError(ProviderHosted, CodeUnavailable,
				fmt.Errorf("status query returned %d: %s", resp.StatusCode, detail))
		}

		status := &TransactionStatus{}
		if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
			return nil, newError(ProviderHosted, CodeUnavailable, err)
		}
		return status, nil
	}

	status, err := run(false)
	if isUnauthorized(err) {
		status, err = run(true)
	}
	return status, err
}

// ─── HTTP plumbing ──────────────────────────────────────────

func (c *HostedClient) postJSON(ctx context.Context, path, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return newError(ProviderHosted, CodeUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return newError(ProviderHosted, CodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return newError(ProviderHosted, "unauthorized", fmt.Errorf("token rejected on %s", path))
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return newError(ProviderHosted, CodeUnavailable,
			fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(ProviderHosted, CodeUnavailable, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func isUnauthorized(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == "unauthorized"
}
