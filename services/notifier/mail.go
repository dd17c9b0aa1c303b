package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lfelipediniz/B3Notifier/models"
)

// MailNotifier sends breach e-mails to the instrument owner through the
// Resend HTTP API
type MailNotifier struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
}

func NewMailNotifier(baseURL, apiKey, from string) *MailNotifier {
	return &MailNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *MailNotifier) Notify(ctx context.Context, inst models.Instrument, side models.Side) error {
	if inst.OwnerEmail == "" {
		return fmt.Errorf("%w: %s has no recipient", ErrDelivery, inst.Symbol)
	}

	breach := NewBreach(inst, side)
	payload, err := json.Marshal(email{
		From:    m.from,
		To:      []string{inst.OwnerEmail},
		Subject: breach.subject(),
		HTML:    breach.html(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode e-mail: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send e-mail for %s: %v", ErrDelivery, inst.Symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: mail provider returned %d: %s", ErrDelivery, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
