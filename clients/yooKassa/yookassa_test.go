package yookassa

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu       sync.Mutex
	created  int
	statuses map[string][]string // payment id -> последовательность статусов на каждый запрос
	served   map[string]int
	failNext int // столько status-запросов ответить 500
}

func newFakeProvider(t *testing.T) (*fakeProvider, *Client) {
	p := &fakeProvider{
		statuses: make(map[string][]string),
		served:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NotEmpty(t, r.Header.Get("Idempotence-Key"))

		p.mu.Lock()
		p.created++
		id := fmt.Sprintf("pay-%d", p.created)
		p.mu.Unlock()

		resp := map[string]any{
			"id":     id,
			"status": StatusPending,
			"confirmation": map[string]any{
				"type":             "redirect",
				"confirmation_url": "https://pay.example/" + id,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/payments/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/payments/"):]

		p.mu.Lock()
		if p.failNext > 0 {
			p.failNext--
			p.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		seq := p.statuses[id]
		idx := p.served[id]
		p.served[id]++
		p.mu.Unlock()

		status := StatusPending
		if len(seq) > 0 {
			if idx >= len(seq) {
				idx = len(seq) - 1
			}
			status = seq[idx]
		}

		resp := map[string]any{
			"id":     id,
			"status": status,
			"confirmation": map[string]any{
				"type":             "redirect",
				"confirmation_url": "https://pay.example/" + id,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New("shop", "key", zap.NewNop().Sugar())
	c.BaseURL = srv.URL
	return p, c
}

func TestEnsurePaymentDedup(t *testing.T) {
	provider, c := newFakeProvider(t)

	first, reused, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)
	assert.False(t, reused)

	// повторный запрос при pending возвращает тот же платёж
	second, reused, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ConfirmationURL(), second.ConfirmationURL())
	assert.Equal(t, 1, provider.created)
}

func TestEnsurePaymentNewAfterTerminal(t *testing.T) {
	provider, c := newFakeProvider(t)

	first, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	provider.mu.Lock()
	provider.statuses[first.ID] = []string{StatusCanceled}
	provider.mu.Unlock()

	second, reused, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, provider.created)
}

func TestEnsurePaymentIndependentUsers(t *testing.T) {
	provider, c := newFakeProvider(t)

	a, _, err := c.EnsurePayment(1, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)
	b, _, err := c.EnsurePayment(2, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, provider.created)
}

func TestAwaitSucceeded(t *testing.T) {
	provider, c := newFakeProvider(t)

	created, _, err := c.EnsurePayment(42, 3, 550, "3 месяца", "", "https://t.me/bot")
	require.NoError(t, err)

	provider.mu.Lock()
	provider.statuses[created.ID] = []string{StatusPending, StatusPending, StatusSucceeded}
	provider.mu.Unlock()

	payment, outcome := c.Await(42, created.ID, 10, time.Millisecond)
	assert.Equal(t, OutcomeSucceeded, outcome)
	require.NotNil(t, payment)
	assert.Equal(t, created.ID, payment.ID)

	_, pending := c.PendingPayment(42)
	assert.False(t, pending, "intent must be cleared on terminal state")
}

func TestAwaitCanceled(t *testing.T) {
	provider, c := newFakeProvider(t)

	created, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	provider.mu.Lock()
	provider.statuses[created.ID] = []string{StatusCanceled}
	provider.mu.Unlock()

	_, outcome := c.Await(42, created.ID, 10, time.Millisecond)
	assert.Equal(t, OutcomeCanceled, outcome)
}

func TestAwaitTimeout(t *testing.T) {
	_, c := newFakeProvider(t)

	created, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	payment, outcome := c.Await(42, created.ID, 3, time.Millisecond)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Nil(t, payment)

	_, pending := c.PendingPayment(42)
	assert.False(t, pending, "intent must be cleared on timeout")
}

func TestAwaitSupersededKeepsFreshIntent(t *testing.T) {
	provider, c := newFakeProvider(t)

	first, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	// старый счёт отменён, EnsurePayment заводит свежий
	provider.mu.Lock()
	provider.statuses[first.ID] = []string{StatusCanceled}
	provider.mu.Unlock()

	second, reused, err := c.EnsurePayment(42, 3, 550, "3 месяца", "", "https://t.me/bot")
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, first.ID, second.ID)

	// ожидание старого счёта не должно ни снять intent нового, ни
	// сообщить пользователю об отмене вытесненного счёта
	_, outcome := c.Await(42, first.ID, 10, time.Millisecond)
	assert.Equal(t, OutcomeSuperseded, outcome)

	pendingID, pending := c.PendingPayment(42)
	require.True(t, pending, "fresh intent must survive the stale Await")
	assert.Equal(t, second.ID, pendingID)
}

func TestEnsurePaymentReusedKeepsOriginalIntent(t *testing.T) {
	_, c := newFakeProvider(t)

	first, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	// выбор другого тарифа при незакрытом счёте возвращает старый счёт:
	// его срок и сумма не подменяются только что выбранными
	second, reused, err := c.EnsurePayment(42, 12, 1800, "12 месяцев", "", "https://t.me/bot")
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.ID, second.ID)

	intent, ok := c.PendingIntent(42)
	require.True(t, ok)
	assert.Equal(t, first.ID, intent.PaymentID)
	assert.Equal(t, 1, intent.Months)
	assert.Equal(t, float64(200), intent.Amount)
}

func TestAwaitSurvivesProviderErrors(t *testing.T) {
	provider, c := newFakeProvider(t)

	created, _, err := c.EnsurePayment(42, 1, 200, "1 месяц", "", "https://t.me/bot")
	require.NoError(t, err)

	provider.mu.Lock()
	provider.failNext = 2 // две ошибки провайдера, затем успех
	provider.statuses[created.ID] = []string{StatusSucceeded}
	provider.mu.Unlock()

	_, outcome := c.Await(42, created.ID, 10, time.Millisecond)
	assert.Equal(t, OutcomeSucceeded, outcome, "provider errors are retried, not treated as cancellation")
}
