package xui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
)

// ErrAuth — панель отвергла логин.
var ErrAuth = errors.New("xui: login failed")

// ErrUpstream — панель доступна, но вернула отказ или неразборчивый ответ.
var ErrUpstream = errors.New("xui: upstream failure")

const defaultFlow = "xtls-rprx-vision"

// Client ходит в HTTP API панели 3x-ui. Авторизация — сессионная кука,
// которую клиент хранит сам и перелогинивается лениво: не заранее по
// таймеру, а когда очередной вызов натыкается на отказ в авторизации.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      *zap.SugaredLogger

	cookie string
}

// InboundClient — запись клиента внутри inbound. ExpiryTime в
// миллисекундах UTC, ноль означает безлимит.
type InboundClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	Flow       string `json:"flow,omitempty"`
	LimitIP    int    `json:"limitIp"`
	Reset      int    `json:"reset"`
	TgID       TgID   `json:"tgId,omitempty"`
	SubID      string `json:"subId"`
}

// TgID в ответах панели бывает и числом, и строкой.
type TgID int64

func (t *TgID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*t = 0
		return nil
	}
	*t = TgID(v)
	return nil
}

// Inbound — группа клиентов с общей транспортной конфигурацией. Поле
// settings приходит строкой с вложенным JSON; декодируем его здесь и
// дальше по системе сырой текст не передаём. extra хранит остальные
// ключи settings, чтобы при перезаписи группы их не потерять.
type Inbound struct {
	ID      int    `json:"id"`
	Remark  string `json:"remark"`
	Enable  bool   `json:"enable"`
	Clients []InboundClient

	extra map[string]json.RawMessage
}

// FlatClient — клиент с привязкой к своей группе.
type FlatClient struct {
	InboundClient
	InboundID     int
	InboundRemark string
}

// Entitlement — производное представление подписки пользователя.
// Никогда не сохраняется: каждый запрос пересчитывает его из панели.
type Entitlement struct {
	InboundID int
	ClientID  string
	SubID     string
	ExpiryMs  int64
	Unlimited bool
	IsExpired bool
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func New(baseURL, username, password string, lg *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      lg,
	}
}

// Login выполняет POST /login и сохраняет сессионную куку.
func (c *Client) Login() error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrAuth, resp.Status)
	}

	var result apiResponse
	if err := json.Unmarshal(raw, &result); err != nil || !result.Success {
		return fmt.Errorf("%w: %s", ErrAuth, result.Msg)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Value != "" {
			c.cookie = cookie.Name + "=" + cookie.Value
			c.log.Infow("xui login ok")
			return nil
		}
	}
	return fmt.Errorf("%w: session cookie missing", ErrAuth)
}

// post отправляет запрос с сессионной кукой. На отказ в авторизации один
// раз прозрачно перелогинивается и повторяет запрос.
func (c *Client) post(path, contentType string, body []byte) (*apiResponse, error) {
	if c.cookie == "" {
		if err := c.Login(); err != nil {
			return nil, err
		}
	}

	result, status, err := c.doPost(path, contentType, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.cookie = ""
		if err := c.Login(); err != nil {
			return nil, err
		}
		result, status, err = c.doPost(path, contentType, body)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s status %d", ErrUpstream, path, status)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %s unparseable body", ErrUpstream, path)
	}
	return result, nil
}

func (c *Client) doPost(path, contentType string, body []byte) (*apiResponse, int, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Cookie", c.cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var result apiResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, resp.StatusCode, nil
	}
	return &result, resp.StatusCode, nil
}

// GetInbounds возвращает все группы с уже декодированными клиентами.
func (c *Client) GetInbounds() ([]Inbound, error) {
	result, err := c.post("/panel/inbound/list", "", nil)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, result.Msg)
	}

	var rows []struct {
		ID       int    `json:"id"`
		Remark   string `json:"remark"`
		Enable   bool   `json:"enable"`
		Settings string `json:"settings"`
	}
	if err := json.Unmarshal(result.Obj, &rows); err != nil {
		return nil, fmt.Errorf("%w: inbound list decode: %v", ErrUpstream, err)
	}

	inbounds := make([]Inbound, 0, len(rows))
	for _, row := range rows {
		ib := Inbound{ID: row.ID, Remark: row.Remark, Enable: row.Enable}
		extra, clients, err := parseSettings(row.Settings)
		if err != nil {
			c.log.Warnw("xui settings decode failed", "inbound", row.ID, "error", err)
			continue
		}
		ib.extra = extra
		ib.Clients = clients
		inbounds = append(inbounds, ib)
	}
	return inbounds, nil
}

// GetAllClients — плоский список клиентов по всем группам. При ошибке
// панели возвращает пустой список: вызывающий обязан трактовать пустоту
// как "неизвестно", а не "клиентов точно нет".
func (c *Client) GetAllClients() []FlatClient {
	inbounds, err := c.GetInbounds()
	if err != nil {
		c.log.Errorw("xui list clients failed", "error", err)
		return nil
	}

	var clients []FlatClient
	for _, ib := range inbounds {
		for _, cl := range ib.Clients {
			clients = append(clients, FlatClient{
				InboundClient: cl,
				InboundID:     ib.ID,
				InboundRemark: ib.Remark,
			})
		}
	}
	return clients
}

// FindClientByTgID — линейный поиск по всем группам, первый найденный
// считается основным. Дубликаты tgId — рассинхрон на стороне панели,
// здесь он не чинится.
func (c *Client) FindClientByTgID(tgID int64) (Entitlement, bool) {
	inbounds, err := c.GetInbounds()
	if err != nil {
		c.log.Errorw("xui find client failed", "tg_id", tgID, "error", err)
		return Entitlement{}, false
	}

	for _, ib := range inbounds {
		for _, cl := range ib.Clients {
			if int64(cl.TgID) == tgID {
				return Entitlement{
					InboundID: ib.ID,
					ClientID:  cl.ID,
					SubID:     cl.SubID,
					ExpiryMs:  cl.ExpiryTime,
					Unlimited: cl.ExpiryTime == 0,
				}, true
			}
		}
	}
	return Entitlement{}, false
}

// ResolveEntitlement — FindClientByTgID плюс классификация просрочки.
// Отсутствие expiryTime означает бессрочную подписку.
func (c *Client) ResolveEntitlement(tgID int64, now time.Time) (Entitlement, bool) {
	ent, ok := c.FindClientByTgID(tgID)
	if !ok {
		return Entitlement{}, false
	}
	if !ent.Unlimited {
		ent.IsExpired = ent.ExpiryMs < now.UnixMilli()
	}
	return ent, true
}

// AddTrialClient создаёт пробного клиента на TrialDays дней. Неудача
// панели или транспорта — мягкая: ok=false, без ошибки наверх.
func (c *Client) AddTrialClient(inboundID int, tgID int64) (ok bool, subID string, expiryMs int64) {
	client := InboundClient{
		ID:         timeutil.NewClientUUID(),
		Email:      timeutil.TrialEmail(tgID),
		Enable:     true,
		ExpiryTime: timeutil.GenerateExpiry(timeutil.TrialDays),
		Flow:       defaultFlow,
		LimitIP:    2,
		Reset:      0,
		TgID:       TgID(tgID),
		SubID:      timeutil.GenerateSubID(),
	}

	settings, err := json.Marshal(map[string][]InboundClient{"clients": {client}})
	if err != nil {
		c.log.Errorw("xui trial settings encode failed", "error", err)
		return false, "", 0
	}

	form := url.Values{}
	form.Set("id", strconv.Itoa(inboundID))
	form.Set("settings", string(settings))

	result, err := c.post("/panel/inbound/addClient", "application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil || !result.Success {
		c.log.Errorw("xui add trial failed", "tg_id", tgID, "inbound", inboundID, "error", err)
		return false, "", 0
	}

	c.log.Infow("xui trial created", "tg_id", tgID, "inbound", inboundID, "sub_id", client.SubID)
	return true, client.SubID, client.ExpiryTime
}

// UpdateClientExpiry меняет expiryTime одного клиента и переотправляет
// settings всей группы целиком — API панели не умеет точечный патч.
// Чтение и запись не атомарны: параллельное изменение той же группы
// другим процессом потеряется (last-writer-wins). При одном операторе и
// человеческих темпах это принятый компромисс.
func (c *Client) UpdateClientExpiry(inboundID int, clientID string, newExpiryMs int64) bool {
	inbounds, err := c.GetInbounds()
	if err != nil {
		c.log.Errorw("xui update expiry: list failed", "error", err)
		return false
	}

	for _, ib := range inbounds {
		if ib.ID != inboundID {
			continue
		}

		found := false
		for i := range ib.Clients {
			if ib.Clients[i].ID == clientID {
				ib.Clients[i].ExpiryTime = newExpiryMs
				found = true
				break
			}
		}
		if !found {
			c.log.Warnw("xui update expiry: client not in inbound", "inbound", inboundID, "client", clientID)
			return false
		}

		settings, err := encodeSettings(ib.extra, ib.Clients)
		if err != nil {
			c.log.Errorw("xui update expiry: settings encode failed", "error", err)
			return false
		}

		form := url.Values{}
		form.Set("id", strconv.Itoa(inboundID))
		form.Set("settings", settings)

		result, err := c.post("/panel/inbound/update", "application/x-www-form-urlencoded", []byte(form.Encode()))
		if err != nil || !result.Success {
			c.log.Errorw("xui update expiry failed", "inbound", inboundID, "client", clientID, "error", err)
			return false
		}

		c.log.Infow("xui expiry updated", "inbound", inboundID, "client", clientID, "expiry_ms", newExpiryMs)
		return true
	}

	c.log.Warnw("xui update expiry: inbound not found", "inbound", inboundID)
	return false
}

func parseSettings(raw string) (map[string]json.RawMessage, []InboundClient, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]json.RawMessage{}, nil, nil
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil, nil, err
	}

	var clients []InboundClient
	if rawClients, ok := all["clients"]; ok {
		if err := json.Unmarshal(rawClients, &clients); err != nil {
			return nil, nil, err
		}
		delete(all, "clients")
	}
	return all, clients, nil
}

func encodeSettings(extra map[string]json.RawMessage, clients []InboundClient) (string, error) {
	merged := make(map[string]json.RawMessage, len(extra)+1)
	for k, v := range extra {
		merged[k] = v
	}

	rawClients, err := json.Marshal(clients)
	if err != nil {
		return "", err
	}
	merged["clients"] = rawClients

	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
