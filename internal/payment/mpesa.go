package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wekesa/tikiti/config"
	"github.com/wekesa/tikiti/pkg/phone"
)

const (
	mpesaLiveBase    = "https://payment.intasend.com"
	mpesaSandboxBase = "https://sandbox.intasend.com"
)

// MpesaClient initiates STK push payments: the provider displays a PIN
// prompt on the payer's handset and later confirms (or not) via the
// payment webhook.
type MpesaClient struct {
	cfg     config.MpesaConfig
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewMpesaClient creates an STK push client. The sandbox endpoint is
// used when STK_IS_TEST is set.
func NewMpesaClient(cfg config.MpesaConfig, log zerolog.Logger) *MpesaClient {
	base := mpesaLiveBase
	if cfg.IsTest {
		base = mpesaSandboxBase
	}
	return &MpesaClient{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "mpesa").Logger(),
	}
}

// STKPushResult is the provider's acknowledgement of an initiated push.
// The webhook later echoes InvoiceID as invoice_id and apiRef as
// api_ref, which is how completions correlate back to bookings.
type STKPushResult struct {
	InvoiceID string
	State     string
}

type stkPushResponse struct {
	Invoice struct {
		InvoiceID string `json:"invoice_id"`
		State     string `json:"state"`
	} `json:"invoice"`
}

type stkErrorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Detail string `json:"detail"`
}

// InitiateSTKPush asks the provider to push a payment prompt to
// payerPhone for amount. apiRef is the booking id and must round-trip
// through the provider's webhook unchanged.
func (c *MpesaClient) InitiateSTKPush(ctx context.Context, payerPhone string, amount decimal.Decimal, apiRef string) (*STKPushResult, error) {
	if c.cfg.PublishableKey == "" || c.cfg.SecretKey == "" {
		return nil, newError(ProviderMpesa, CodeConfig, ErrConfig)
	}

	normalized, err := phone.Normalize(payerPhone)
	if err != nil {
		return nil, newError(ProviderMpesa, CodeInvalidPhone, err)
	}

	body, err := json.Marshal(map[string]any{
		"public_key":   c.cfg.PublishableKey,
		"phone_number": normalized,
		"amount":       amount.StringFixed(2),
		"api_ref":      apiRef,
	})
	if err != nil {
		return nil, newError(ProviderMpesa, CodeUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/payment/mpesa-stk-push/", bytes.NewReader(body))
	if err != nil {
		return nil, newError(ProviderMpesa, CodeUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(ProviderMpesa, CodeUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 300 {
		return nil, newError(ProviderMpesa, classifySTKError(raw),
			fmt.Errorf("stk push returned %d: %s", resp.StatusCode, raw))
	}

	var out stkPushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, newError(ProviderMpesa, CodeUnavailable,
			fmt.Errorf("decode stk response: %w", err))
	}

	c.log.Info().Str("invoice_id", out.Invoice.InvoiceID).
		Str("phone", phone.Mask(normalized)).
		Str("api_ref", apiRef).
		Msg("stk push initiated")

	return &STKPushResult{InvoiceID: out.Invoice.InvoiceID, State: out.Invoice.State}, nil
}

// classifySTKError surfaces the provider's distinguished eligibility
// rejection; everything else keeps the provider's own code when one is
// present.
func classifySTKError(raw []byte) string {
	var e stkErrorResponse
	if err := json.Unmarshal(raw, &e); err == nil {
		for _, item := range e.Errors {
			if strings.Contains(strings.ToLower(item.Detail), "not eligible") ||
				strings.Contains(strings.ToLower(item.Code), "eligib") {
				return CodeBusinessNotEligible
			}
			if item.Code != "" {
				return item.Code
			}
		}
		if strings.Contains(strings.ToLower(e.Detail), "not eligible") {
			return CodeBusinessNotEligible
		}
	}
	return CodeUnavailable
}
