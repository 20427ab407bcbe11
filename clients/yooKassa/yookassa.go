package yookassa

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.yookassa.ru/v3"

// Статусы платежа YooKassa.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Outcome — терминальный исход ожидания платежа.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeCanceled
	OutcomeTimedOut
	// OutcomeSuperseded: пока шло ожидание, счёт пользователя сменился
	// на более свежий. Сообщать ему про судьбу старого счёта не нужно.
	OutcomeSuperseded
)

// Client — клиент YooKassa плюс учёт незавершённых платежей. На
// пользователя держится не больше одного intent'а; карта живёт только в
// памяти процесса — после рестарта источником правды остаётся провайдер,
// пользователь просто запускает оплату заново.
type Client struct {
	shopID    string
	secretKey string
	BaseURL   string
	http      *http.Client
	log       *zap.SugaredLogger

	mu      sync.Mutex
	intents map[int64]*Intent
}

// Intent — незавершённый платёж пользователя.
type Intent struct {
	PaymentID string
	Months    int
	Amount    float64
	CreatedAt time.Time
}

type PaymentRequest struct {
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Capture      bool                   `json:"capture"`
	Confirmation map[string]interface{} `json:"confirmation"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata"`
	Receipt      *Receipt               `json:"receipt,omitempty"`
}

type Receipt struct {
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
	Items []ReceiptItem `json:"items"`
}

type ReceiptItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Amount      struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	VatCode        int    `json:"vat_code"`
	PaymentMode    string `json:"payment_mode"`
	PaymentSubject string `json:"payment_subject"`
}

type PaymentResponse struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	Amount       map[string]interface{} `json:"amount"`
	Description  string                 `json:"description"`
	CreatedAt    string                 `json:"created_at"`
	Confirmation map[string]interface{} `json:"confirmation"`
	Paid         bool                   `json:"paid"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// ConfirmationURL — ссылка, куда отправлять пользователя платить.
func (p *PaymentResponse) ConfirmationURL() string {
	if p == nil || p.Confirmation == nil {
		return ""
	}
	if u, ok := p.Confirmation["confirmation_url"].(string); ok {
		return u
	}
	return ""
}

func (p *PaymentResponse) inFlight() bool {
	return p.Status == StatusPending || p.Status == StatusWaitingForCapture
}

func New(shopID, secretKey string, lg *zap.SugaredLogger) *Client {
	return &Client{
		shopID:    shopID,
		secretKey: secretKey,
		BaseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       lg,
		intents:   make(map[int64]*Intent),
	}
}

// CreatePayment создаёт платёж с redirect-подтверждением. Ключ
// идемпотентности — свежий UUID на каждую попытку.
func (c *Client) CreatePayment(amount float64, description string, chatID int64, months int, userEmail, returnURL string) (*PaymentResponse, error) {
	paymentReq := PaymentRequest{}
	paymentReq.Amount.Value = fmt.Sprintf("%.2f", amount)
	paymentReq.Amount.Currency = "RUB"
	paymentReq.Capture = true
	paymentReq.Confirmation = map[string]interface{}{
		"type":       "redirect",
		"return_url": returnURL,
	}
	paymentReq.Description = description
	paymentReq.Metadata = map[string]interface{}{
		"chat_id": chatID,
		"months":  months,
		"product": description,
	}

	if userEmail != "" {
		paymentReq.Receipt = &Receipt{
			Items: []ReceiptItem{
				{
					Description: description,
					Quantity:    "1.00",
					Amount: struct {
						Value    string `json:"value"`
						Currency string `json:"currency"`
					}{
						Value:    fmt.Sprintf("%.2f", amount),
						Currency: "RUB",
					},
					VatCode:        1,
					PaymentMode:    "full_payment",
					PaymentSubject: "service",
				},
			},
		}
		paymentReq.Receipt.Customer.Email = userEmail
	}

	jsonData, err := json.Marshal(paymentReq)
	if err != nil {
		return nil, fmt.Errorf("yookassa: encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/payments", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa: create payment: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yookassa: create payment: %s: %s", resp.Status, string(body))
	}

	var paymentResp PaymentResponse
	if err := json.Unmarshal(body, &paymentResp); err != nil {
		return nil, fmt.Errorf("yookassa: decode response: %w", err)
	}
	return &paymentResp, nil
}

func (c *Client) GetPaymentStatus(paymentID string) (*PaymentResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa: payment status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yookassa: payment status: %s: %s", resp.Status, string(body))
	}

	var paymentResp PaymentResponse
	if err := json.Unmarshal(body, &paymentResp); err != nil {
		return nil, err
	}
	return &paymentResp, nil
}

func (c *Client) authorize(req *http.Request) {
	auth := fmt.Sprintf("%s:%s", c.shopID, c.secretKey)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
}

// EnsurePayment — идемпотентный вход в оплату. Если у пользователя уже
// висит платёж и провайдер всё ещё считает его незавершённым, повторный
// запрос возвращает тот же платёж вместо создания дубля. Терминальный
// статус (или недоступность старого платежа) открывает путь новому.
func (c *Client) EnsurePayment(chatID int64, months int, amount float64, description, userEmail, returnURL string) (p *PaymentResponse, reused bool, err error) {
	c.mu.Lock()
	existing := c.intents[chatID]
	c.mu.Unlock()

	if existing != nil {
		current, err := c.GetPaymentStatus(existing.PaymentID)
		if err == nil && current.inFlight() && current.ConfirmationURL() != "" {
			c.log.Infow("payment reused", "chat_id", chatID, "payment_id", current.ID)
			return current, true, nil
		}
		c.clearIntent(chatID)
	}

	created, err := c.CreatePayment(amount, description, chatID, months, userEmail, returnURL)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.intents[chatID] = &Intent{
		PaymentID: created.ID,
		Months:    months,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	c.mu.Unlock()

	c.log.Infow("payment created", "chat_id", chatID, "payment_id", created.ID, "months", months)
	return created, false, nil
}

// Await опрашивает платёж до терминального статуса провайдера или до
// исчерпания бюджета попыток. Ошибка запроса к провайдеру — не отмена:
// логируем и ждём следующий тик. Intent снимается только если всё ещё
// указывает на этот платёж: EnsurePayment мог вытеснить его свежим
// счётом, и чужой intent трогать нельзя.
func (c *Client) Await(chatID int64, paymentID string, attempts int, interval time.Duration) (*PaymentResponse, Outcome) {
	for i := 0; i < attempts; i++ {
		time.Sleep(interval)

		payment, err := c.GetPaymentStatus(paymentID)
		if err != nil {
			c.log.Warnw("payment poll failed", "payment_id", paymentID, "attempt", i+1, "error", err)
			continue
		}

		switch payment.Status {
		case StatusSucceeded:
			// Успех применяем всегда, даже если счёт уже вытеснен:
			// деньги провайдер принял именно по этому платежу.
			c.releaseIntent(chatID, paymentID)
			c.log.Infow("payment succeeded", "chat_id", chatID, "payment_id", paymentID)
			return payment, OutcomeSucceeded
		case StatusCanceled:
			if !c.releaseIntent(chatID, paymentID) {
				return payment, OutcomeSuperseded
			}
			c.log.Infow("payment canceled", "chat_id", chatID, "payment_id", paymentID)
			return payment, OutcomeCanceled
		}
	}

	if !c.releaseIntent(chatID, paymentID) {
		return nil, OutcomeSuperseded
	}
	c.log.Warnw("payment poll exhausted", "chat_id", chatID, "payment_id", paymentID, "attempts", attempts)
	return nil, OutcomeTimedOut
}

// PendingPayment — id незавершённого платежа пользователя, если есть.
func (c *Client) PendingPayment(chatID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.intents[chatID]
	if !ok {
		return "", false
	}
	return intent.PaymentID, true
}

// PendingIntent — копия незавершённого intent'а пользователя, если есть.
func (c *Client) PendingIntent(chatID int64) (Intent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.intents[chatID]
	if !ok {
		return Intent{}, false
	}
	return *intent, true
}

func (c *Client) clearIntent(chatID int64) {
	c.mu.Lock()
	delete(c.intents, chatID)
	c.mu.Unlock()
}

// releaseIntent снимает intent, только если тот всё ещё принадлежит
// платежу paymentID. false — intent уже вытеснен более свежим счётом.
func (c *Client) releaseIntent(chatID int64, paymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	intent, ok := c.intents[chatID]
	if !ok || intent.PaymentID != paymentID {
		return false
	}
	delete(c.intents, chatID)
	return true
}
