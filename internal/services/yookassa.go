package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ChatAssist-bot/internal/payments"
)

const defaultYooKassaURL = "https://api.yookassa.ru/v3"

type PaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type      string `json:"type"`
	ReturnURL string `json:"return_url,omitempty"`
}

type createPaymentRequest struct {
	Amount       amount            `json:"amount"`
	Confirmation confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

// YooKassaClient клиент API ЮKassa, реализует payments.Gateway.
type YooKassaClient struct {
	shopID     string
	secretKey  string
	apiURL     string
	returnURL  string
	httpClient *http.Client
	newKey     func() string
}

var _ payments.Gateway = (*YooKassaClient)(nil)

func NewYooKassaClient(shopID, secretKey, apiURL, returnURL string) *YooKassaClient {
	if apiURL == "" {
		apiURL = defaultYooKassaURL
	}
	return &YooKassaClient{
		shopID:     shopID,
		secretKey:  secretKey,
		apiURL:     apiURL,
		returnURL:  returnURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		newKey:     func() string { return uuid.NewString() },
	}
}

// CreatePayment создаёт платёж с немедленным списанием и redirect-подтверждением.
func (c *YooKassaClient) CreatePayment(ctx context.Context, order payments.Order) (*payments.Invoice, error) {
	const op = "services.YooKassaClient.CreatePayment"
	body := createPaymentRequest{
		Amount:       amount{Value: order.Plan.PriceString(), Currency: order.Plan.Currency},
		Confirmation: confirmation{Type: "redirect", ReturnURL: c.returnURL},
		Capture:      true,
		Description:  order.Description,
		Metadata: map[string]string{
			"userId":     strconv.FormatUint(uint64(order.UserID), 10),
			"telegramId": strconv.FormatInt(order.TelegramID, 10),
			"tariffPlan": string(order.Plan.Key),
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/payments", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", c.newKey())
	req.SetBasicAuth(c.shopID, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: yookassa status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var pr PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return &payments.Invoice{
		ID:              pr.ID,
		Status:          pr.Status,
		ConfirmationURL: pr.Confirmation.ConfirmationURL,
	}, nil
}
