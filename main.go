package main

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/maxkov-dev/xuiBot/clients/logger"
	"github.com/maxkov-dev/xuiBot/clients/referral"
	"github.com/maxkov-dev/xuiBot/clients/sheets"
	"github.com/maxkov-dev/xuiBot/clients/timeutil"
	"github.com/maxkov-dev/xuiBot/clients/xui"
	yookassa "github.com/maxkov-dev/xuiBot/clients/yooKassa"
)

const startText = `
Привет! <b>Добро пожаловать в VPN-бот</b> 🔐

Здесь ты можешь:
• Получить пробный доступ на %d дня в пару кликов.
• Продлить подписку картой — продление применится автоматически.
• Пригласить друзей и следить за своими приглашениями.

Выбирай нужный раздел в меню ниже 🚀
`

// Сколько раз и с каким шагом опрашиваем платёж, прежде чем счесть его
// просроченным: 60 × 10с = 10 минут.
const (
	paymentPollAttempts = 60
	paymentPollInterval = 10 * time.Second
)

type RatePlan struct {
	ID     string
	Title  string
	Months int
	Amount float64
}

var ratePlans = []RatePlan{
	{ID: "1m", Title: "1 месяц", Months: 1, Amount: 200},
	{ID: "3m", Title: "3 месяца", Months: 3, Amount: 550},
	{ID: "6m", Title: "6 месяцев", Months: 6, Amount: 1000},
	{ID: "12m", Title: "12 месяцев", Months: 12, Amount: 1800},
}

var ratePlanByID = func() map[string]RatePlan {
	m := make(map[string]RatePlan, len(ratePlans))
	for _, p := range ratePlans {
		m[p.ID] = p
	}
	return m
}()

// planForMonths — тариф по сроку и сумме сохранённого счёта. Если в
// прайсе такого уже нет (тарифы поменялись), собираем описание из счёта.
func planForMonths(months int, amount float64) RatePlan {
	for _, p := range ratePlans {
		if p.Months == months && p.Amount == amount {
			return p
		}
	}
	return RatePlan{
		ID:     fmt.Sprintf("%dm", months),
		Title:  fmt.Sprintf("%d мес.", months),
		Months: months,
		Amount: amount,
	}
}

var (
	cfg            botConfig
	lg             *zap.SugaredLogger
	panelClient    *xui.Client
	paymentsClient *yookassa.Client
	ledger         *referral.Ledger
	sheetService   *sheets.Service
)

var lastActionKey = make(map[int64]map[string]time.Time)

type SessionState string

const (
	stateMenu       SessionState = "menu"
	stateStatus     SessionState = "status"
	stateTrial      SessionState = "trial"
	stateChooseRate SessionState = "choose_rate"
	statePayment    SessionState = "payment"
	stateReferral   SessionState = "referral"
)

type UserSession struct {
	MessageID     int
	State         SessionState
	PendingPlanID string
}

var userSessions = make(map[int64]*UserSession)

func canProceedKey(userID int64, key string, interval time.Duration) bool {
	now := time.Now()
	if lastActionKey[userID] == nil {
		lastActionKey[userID] = make(map[string]time.Time)
	}
	if t, ok := lastActionKey[userID][key]; ok {
		if now.Sub(t) < interval {
			return false
		}
	}
	lastActionKey[userID][key] = now
	return true
}

func getSession(chatID int64) *UserSession {
	if session, ok := userSessions[chatID]; ok {
		return session
	}
	session := &UserSession{}
	userSessions[chatID] = session
	return session
}

func updateSessionText(bot *tgbotapi.BotAPI, chatID int64, session *UserSession, state SessionState, text string, parseMode string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	if session.MessageID != 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, session.MessageID, text, keyboard)
		if parseMode != "" {
			edit.ParseMode = parseMode
		}
		edit.DisableWebPagePreview = true
		if _, err := bot.Send(edit); err == nil {
			session.State = state
			return nil
		}
	}
	return replaceSessionWithText(bot, chatID, session, state, text, parseMode, keyboard)
}

func replaceSessionWithText(bot *tgbotapi.BotAPI, chatID int64, session *UserSession, state SessionState, text string, parseMode string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	if session.MessageID != 0 {
		_, _ = bot.Send(tgbotapi.NewDeleteMessage(chatID, session.MessageID))
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if parseMode != "" {
		msg.ParseMode = parseMode
	}
	msg.ReplyMarkup = keyboard
	msg.DisableWebPagePreview = true

	sent, err := bot.Send(msg)
	if err != nil {
		return err
	}

	session.MessageID = sent.MessageID
	session.State = state
	return nil
}

func mainMenuInlineKeyboard(hasSubscription bool) tgbotapi.InlineKeyboardMarkup {
	firstRow := tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔐 Получить доступ", "get_trial"),
	)
	if hasSubscription {
		firstRow = tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Продлить подписку", "nav_renew"),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		firstRow,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👤 Моя подписка", "nav_status"),
			tgbotapi.NewInlineKeyboardButtonData("🎁 Пригласить друга", "nav_referral"),
		),
	)
}

func singleBackKeyboard(target string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", target),
		),
	)
}

func rateSelectionKeyboard() tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(ratePlans)+1)
	for _, plan := range ratePlans {
		label := fmt.Sprintf("%s — %.0f ₽", plan.Title, plan.Amount)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "rate_"+plan.ID),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// defaultReturnURL — адрес возврата после оплаты. YooKassa не принимает
// пустой return_url, поэтому без настройки возвращаем плательщика в чат
// с ботом.
func defaultReturnURL(configured, botUsername string) string {
	if configured != "" {
		return configured
	}
	return "https://t.me/" + botUsername
}

func sendMessageToAdmins(bot *tgbotapi.BotAPI, text string) {
	for _, id := range cfg.AdminIDs {
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = "HTML"
		msg.DisableWebPagePreview = true
		if _, err := bot.Send(msg); err != nil {
			lg.Warnw("admin notify failed", "admin_id", id, "error", err)
		}
	}
}

func main() {
	lg = logger.New()
	defer func() { _ = lg.Sync() }()

	cfg = loadConfig(lg)

	panelClient = xui.New(cfg.XUIAPIURL, cfg.XUIUsername, cfg.XUIPassword, lg)
	if err := panelClient.Login(); err != nil {
		// Панель может быть временно недоступна: переподключимся при
		// первом же запросе, поэтому старт не прерываем.
		lg.Warnw("panel login failed on startup", "error", err)
	}

	if cfg.YooKassaShopID != "" && cfg.YooKassaSecretKey != "" {
		paymentsClient = yookassa.New(cfg.YooKassaShopID, cfg.YooKassaSecretKey, lg)
	} else {
		lg.Warnw("yookassa credentials not set, payments disabled")
	}

	var err error
	ledger, err = referral.Open(cfg.ReferralDBPath)
	if err != nil {
		lg.Fatalw("open referral ledger", "path", cfg.ReferralDBPath, "error", err)
	}

	if cfg.SpreadsheetID != "" && cfg.GoogleCredentialsPath != "" {
		sheetService, err = sheets.New(context.Background(), cfg.GoogleCredentialsPath, cfg.SpreadsheetID, cfg.SheetName, lg)
		if err != nil {
			lg.Warnw("google sheets disabled", "error", err)
			sheetService = nil
		}
	} else {
		lg.Infow("google sheets not configured, /sync disabled")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		lg.Fatalw("telegram auth failed", "error", err)
	}
	lg.Infow("bot started", "username", bot.Self.UserName)

	cfg.ReturnURL = defaultReturnURL(cfg.ReturnURL, bot.Self.UserName)

	go dailyNotifyWorker(bot, panelClient, lg)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	for update := range bot.GetUpdatesChan(u) {
		if msg := update.Message; msg != nil {
			handleIncomingMessage(bot, msg)
			continue
		}
		if cq := update.CallbackQuery; cq != nil && cq.Message != nil {
			handleCallback(bot, cq)
		}
	}
}

func handleIncomingMessage(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	session := getSession(chatID)

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start":
		handleStart(bot, msg, session)
	case "referral":
		handleReferral(bot, chatID, session)
	case "pay":
		handleRenewMenu(bot, chatID, session)
	case "extend":
		if timeutil.IsAdmin(msg.From.ID, cfg.AdminIDs) {
			handleAdminExtend(bot, msg)
		}
	case "broadcast":
		if timeutil.IsAdmin(msg.From.ID, cfg.AdminIDs) {
			handleAdminBroadcast(bot, msg)
		}
	case "sync":
		if timeutil.IsAdmin(msg.From.ID, cfg.AdminIDs) {
			handleAdminSync(bot, msg)
		}
	default:
		// остальные команды игнорируем
	}
}

func handleCallback(bot *tgbotapi.BotAPI, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID
	session := getSession(chatID)
	data := cq.Data

	switch {
	case data == "nav_menu":
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		showMenu(bot, chatID, cq.From.ID, session)
	case data == "nav_status":
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		showStatus(bot, chatID, cq.From.ID, session)
	case data == "nav_referral":
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		handleReferral(bot, chatID, session)
	case data == "nav_renew":
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		handleRenewMenu(bot, chatID, session)
	case data == "get_trial":
		handleGetTrial(bot, cq, session)
	case strings.HasPrefix(data, "rate_"):
		handleRateSelection(bot, cq, session, strings.TrimPrefix(data, "rate_"))
	case data == "check_payment":
		handleCheckPayment(bot, cq)
	default:
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
	}
}

func handleStart(bot *tgbotapi.BotAPI, msg *tgbotapi.Message, session *UserSession) {
	chatID := msg.Chat.ID
	tgID := msg.From.ID

	// /start ref_<код> — регистрация по реферальной ссылке. Повторные
	// заходы по любой ссылке записи не меняют.
	if args := msg.CommandArguments(); strings.HasPrefix(args, "ref_") {
		code := strings.TrimPrefix(args, "ref_")
		if inviterID, ok := ledger.FindInviterByCode(code); ok && inviterID != tgID {
			if err := ledger.RecordReferral(inviterID, tgID, code); err != nil {
				lg.Warnw("record referral failed", "inviter", inviterID, "invited", tgID, "error", err)
			}
		}
	}

	showMenu(bot, chatID, tgID, session)
}

func showMenu(bot *tgbotapi.BotAPI, chatID, tgID int64, session *UserSession) {
	ent, found := panelClient.ResolveEntitlement(tgID, time.Now())
	text := fmt.Sprintf(startText, timeutil.TrialDays)
	switch {
	case found && ent.IsExpired:
		text += "\n⚠️ <b>Ваша подписка истекла.</b> Продлите её, чтобы вернуть доступ."
	case found && ent.Unlimited:
		text += "\n🟢 Подписка активна: ♾ безлимит."
	case found:
		text += fmt.Sprintf("\n🟢 Подписка активна до <b>%s</b> — напомним за день до конца.", timeutil.FormatTimestamp(ent.ExpiryMs))
	}
	_ = updateSessionText(bot, chatID, session, stateMenu, text, "HTML", mainMenuInlineKeyboard(found))
}

func showStatus(bot *tgbotapi.BotAPI, chatID, tgID int64, session *UserSession) {
	ent, found := panelClient.ResolveEntitlement(tgID, time.Now())
	if !found {
		_ = updateSessionText(bot, chatID, session, stateStatus,
			"У вас пока нет подписки. Получите пробный доступ в меню 👇",
			"HTML", mainMenuInlineKeyboard(false))
		return
	}

	var text string
	switch {
	case ent.Unlimited:
		text = "🔒 <b>Статус подписки:</b>\n<b>├ 🟢 Активна</b>\n<b>└ ♾ Безлимит</b>"
	case ent.IsExpired:
		text = fmt.Sprintf("🔒 <b>Статус подписки:</b>\n<b>├ 🔴 Истекла</b>\n<b>└ ⏳ %s</b>\n\nПродлите подписку, чтобы вернуть доступ.", timeutil.FormatTimestamp(ent.ExpiryMs))
	default:
		text = fmt.Sprintf("🔒 <b>Статус подписки:</b>\n<b>├ 🟢 Активна</b>\n<b>└ ⏳ До %s</b>", timeutil.FormatTimestamp(ent.ExpiryMs))
	}

	_ = updateSessionText(bot, chatID, session, stateStatus, text, "HTML",
		tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("💳 Продлить", "nav_renew"),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад в меню", "nav_menu"),
			),
		))
}

func handleGetTrial(bot *tgbotapi.BotAPI, cq *tgbotapi.CallbackQuery, session *UserSession) {
	chatID := cq.Message.Chat.ID
	tgID := cq.From.ID

	if !canProceedKey(tgID, "get_trial", 3*time.Second) {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Слишком часто, подождите немного"))
		return
	}
	_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	if _, found := panelClient.ResolveEntitlement(tgID, time.Now()); found {
		showStatus(bot, chatID, tgID, session)
		return
	}

	inbounds, err := panelClient.GetInbounds()
	if err != nil || len(inbounds) == 0 {
		lg.Errorw("trial: inbound list unavailable", "error", err)
		_ = updateSessionText(bot, chatID, session, stateTrial,
			"❌ Сервис временно недоступен. Попробуйте позже.", "", singleBackKeyboard("nav_menu"))
		return
	}

	ok, subID, expiryMs := panelClient.AddTrialClient(inbounds[0].ID, tgID)
	if !ok {
		_ = updateSessionText(bot, chatID, session, stateTrial,
			"❌ Не удалось выдать пробный доступ. Попробуйте позже.", "", singleBackKeyboard("nav_menu"))
		return
	}

	text := fmt.Sprintf("✅ <b>Пробный доступ выдан до %s!</b>", timeutil.FormatTimestamp(expiryMs))
	if cfg.SubLinkTemplate != "" {
		link := strings.ReplaceAll(cfg.SubLinkTemplate, "{subId}", subID)
		text += fmt.Sprintf("\n\n🔗 Ссылка для подключения:\n<code>%s</code>", html.EscapeString(link))
	}
	if cfg.InstructionURL != "" {
		text += fmt.Sprintf("\n\n📖 <a href=\"%s\">Инструкция по настройке</a>", cfg.InstructionURL)
	}
	if cfg.AdminUsername != "" {
		text += fmt.Sprintf("\n💬 Поддержка: @%s", cfg.AdminUsername)
	}

	_ = updateSessionText(bot, chatID, session, stateTrial, text, "HTML", singleBackKeyboard("nav_menu"))
	sendMessageToAdmins(bot, fmt.Sprintf("🆕 Новый пробный доступ: <code>%d</code>", tgID))
}

func handleRenewMenu(bot *tgbotapi.BotAPI, chatID int64, session *UserSession) {
	if paymentsClient == nil {
		_ = updateSessionText(bot, chatID, session, stateChooseRate,
			"❌ Оплата временно недоступна. Напишите в поддержку.", "", singleBackKeyboard("nav_menu"))
		return
	}
	_ = updateSessionText(bot, chatID, session, stateChooseRate,
		"Выберите срок продления 👇", "HTML", rateSelectionKeyboard())
}

func handleRateSelection(bot *tgbotapi.BotAPI, cq *tgbotapi.CallbackQuery, session *UserSession, planID string) {
	chatID := cq.Message.Chat.ID
	tgID := cq.From.ID

	plan, ok := ratePlanByID[planID]
	if !ok {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Неизвестный тариф"))
		return
	}
	if paymentsClient == nil {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Оплата временно недоступна"))
		return
	}
	if !canProceedKey(tgID, "rate_"+planID, 2*time.Second) {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		return
	}
	_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	description := fmt.Sprintf("Подписка VPN: %s", plan.Title)
	payment, reused, err := paymentsClient.EnsurePayment(chatID, plan.Months, plan.Amount, description, "", cfg.ReturnURL)
	if err != nil {
		lg.Errorw("create payment failed", "chat_id", chatID, "plan", planID, "error", err)
		_ = updateSessionText(bot, chatID, session, stateChooseRate,
			"❌ Не удалось сформировать счёт. Попробуйте позже.", "", singleBackKeyboard("nav_menu"))
		return
	}

	// При reused счёт остался от прошлого выбора: показываем его срок и
	// сумму, а не только что нажатый тариф, иначе цена на экране
	// разойдётся с тем, что спишет провайдер.
	if reused {
		if intent, ok := paymentsClient.PendingIntent(chatID); ok {
			plan = planForMonths(intent.Months, intent.Amount)
		}
	}

	session.PendingPlanID = plan.ID
	text := fmt.Sprintf("💳 <b>%s — %.0f ₽</b>\n\nОплатите по кнопке ниже. Продление применится автоматически после оплаты.", plan.Title, plan.Amount)
	if reused {
		text += "\n\n⚠️ У вас уже есть неоплаченный счёт — оплатите его или дождитесь отмены."
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", payment.ConfirmationURL()),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Я оплатил", "check_payment"),
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", "nav_menu"),
		),
	)
	_ = updateSessionText(bot, chatID, session, statePayment, text, "HTML", keyboard)

	// Фоновое ожидание запускаем один раз на платёж: при повторном
	// выборе тарифа EnsurePayment вернёт тот же счёт с reused=true.
	if !reused {
		go awaitAndApply(bot, chatID, tgID, plan.Months, payment.ID)
	}
}

// awaitAndApply доводит платёж до терминального статуса и продлевает
// подписку. Продление происходит только здесь — кнопка «Я оплатил»
// лишь показывает статус, иначе платёж применился бы дважды.
func awaitAndApply(bot *tgbotapi.BotAPI, chatID, tgID int64, months int, paymentID string) {
	_, outcome := paymentsClient.Await(chatID, paymentID, paymentPollAttempts, paymentPollInterval)

	session := getSession(chatID)
	switch outcome {
	case yookassa.OutcomeSucceeded:
		applyRenewal(bot, chatID, tgID, months, session)
	case yookassa.OutcomeCanceled:
		_ = replaceSessionWithText(bot, chatID, session, stateMenu,
			"❌ Платёж не прошёл. Попробуйте ещё раз.", "", singleBackKeyboard("nav_menu"))
	case yookassa.OutcomeTimedOut:
		_ = replaceSessionWithText(bot, chatID, session, stateMenu,
			"⌛ Время ожидания оплаты вышло. Если вы оплатили, напишите в поддержку.", "", singleBackKeyboard("nav_menu"))
	case yookassa.OutcomeSuperseded:
		// Пользователь уже получил новый счёт — экран старого не трогаем.
	}
}

func applyRenewal(bot *tgbotapi.BotAPI, chatID, tgID int64, months int, session *UserSession) {
	now := time.Now()

	ent, found := panelClient.ResolveEntitlement(tgID, now)
	freshClient := false
	if !found {
		// Оплатил, не взяв пробный доступ: создаём клиента и продлеваем его.
		inbounds, err := panelClient.GetInbounds()
		if err == nil && len(inbounds) > 0 {
			if ok, _, _ := panelClient.AddTrialClient(inbounds[0].ID, tgID); ok {
				ent, found = panelClient.ResolveEntitlement(tgID, now)
				freshClient = true
			}
		}
	}
	if !found {
		lg.Errorw("renewal paid but client missing", "tg_id", tgID, "months", months)
		_ = replaceSessionWithText(bot, chatID, session, stateMenu,
			"❌ Оплата получена, но продление не применилось. Напишите в поддержку — мы всё исправим.", "", singleBackKeyboard("nav_menu"))
		sendMessageToAdmins(bot, fmt.Sprintf("⚠️ Оплата без клиента в панели: <code>%d</code>, %d мес.", tgID, months))
		return
	}

	newExpiry := timeutil.ComputeNewExpiry(renewalBaseExpiry(ent.ExpiryMs, freshClient), now, months)
	if !panelClient.UpdateClientExpiry(ent.InboundID, ent.ClientID, newExpiry) {
		lg.Errorw("renewal paid but panel update failed", "tg_id", tgID, "months", months)
		_ = replaceSessionWithText(bot, chatID, session, stateMenu,
			"❌ Оплата получена, но продление не применилось. Напишите в поддержку — мы всё исправим.", "", singleBackKeyboard("nav_menu"))
		sendMessageToAdmins(bot, fmt.Sprintf("⚠️ Не удалось продлить после оплаты: <code>%d</code>, %d мес.", tgID, months))
		return
	}

	if err := ledger.MarkPaid(tgID); err != nil {
		lg.Warnw("mark referral paid failed", "tg_id", tgID, "error", err)
	}

	_ = replaceSessionWithText(bot, chatID, session, stateMenu,
		fmt.Sprintf("✅ <b>Подписка продлена до %s!</b>", timeutil.FormatTimestamp(newExpiry)),
		"HTML", singleBackKeyboard("nav_menu"))
	sendMessageToAdmins(bot, fmt.Sprintf("💰 Оплата: <code>%d</code> продлил на %d мес., до %s", tgID, months, timeutil.FormatTimestamp(newExpiry)))
}

// renewalBaseExpiry — точка отсчёта продления. У только что заведённого
// клиента стоит пробный срок: оплаченные месяцы идут от сегодняшнего
// дня, а не от конца пробника.
func renewalBaseExpiry(expiryMs int64, freshClient bool) int64 {
	if freshClient {
		return 0
	}
	return expiryMs
}

func handleCheckPayment(bot *tgbotapi.BotAPI, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID

	if paymentsClient == nil {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Оплата временно недоступна"))
		return
	}
	paymentID, ok := paymentsClient.PendingPayment(chatID)
	if !ok {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Активный счёт не найден"))
		return
	}

	p, err := paymentsClient.GetPaymentStatus(paymentID)
	if err != nil {
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Не удалось проверить статус, попробуйте позже"))
		return
	}

	switch p.Status {
	case yookassa.StatusSucceeded:
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Оплата получена! Продление применится автоматически"))
	case yookassa.StatusCanceled:
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Платёж отменён"))
	default:
		_, _ = bot.Request(tgbotapi.NewCallback(cq.ID, "Платёж ещё не подтверждён"))
	}
}

func handleReferral(bot *tgbotapi.BotAPI, chatID int64, session *UserSession) {
	code, err := ledger.GetOrCreateCode(chatID)
	if err != nil {
		lg.Errorw("get referral code failed", "chat_id", chatID, "error", err)
		_ = updateSessionText(bot, chatID, session, stateReferral,
			"❌ Не удалось получить реферальную ссылку. Попробуйте позже.", "", singleBackKeyboard("nav_menu"))
		return
	}

	link := fmt.Sprintf("https://t.me/%s?start=ref_%s", bot.Self.UserName, code)
	invited, err := ledger.ListInvitedBy(chatID)
	if err != nil {
		lg.Warnw("list invited failed", "chat_id", chatID, "error", err)
	}

	paid := 0
	for _, rec := range invited {
		if rec.BonusStatus == referral.BonusPaid {
			paid++
		}
	}

	text := fmt.Sprintf(`🎁 <b>Пригласите друга!</b>

Ваша персональная ссылка:
<code>%s</code>

👥 Приглашено: <b>%d</b>
💰 Из них оплатили: <b>%d</b>`, link, len(invited), paid)

	_ = updateSessionText(bot, chatID, session, stateReferral, text, "HTML", singleBackKeyboard("nav_menu"))
}

// handleAdminExtend — /extend <tg_id> <месяцев>: ручное продление без оплаты.
func handleAdminExtend(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	reply := func(text string) {
		m := tgbotapi.NewMessage(msg.Chat.ID, text)
		m.ParseMode = "HTML"
		_, _ = bot.Send(m)
	}

	parts := strings.Fields(msg.CommandArguments())
	if len(parts) != 2 {
		reply("Использование: /extend &lt;tg_id&gt; &lt;месяцев&gt;")
		return
	}
	tgID, err1 := strconv.ParseInt(parts[0], 10, 64)
	months, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || months <= 0 {
		reply("Использование: /extend &lt;tg_id&gt; &lt;месяцев&gt;")
		return
	}

	now := time.Now()
	ent, found := panelClient.ResolveEntitlement(tgID, now)
	if !found {
		reply(fmt.Sprintf("Клиент <code>%d</code> не найден в панели.", tgID))
		return
	}

	newExpiry := timeutil.ComputeNewExpiry(ent.ExpiryMs, now, months)
	if !panelClient.UpdateClientExpiry(ent.InboundID, ent.ClientID, newExpiry) {
		reply("❌ Панель не приняла обновление, попробуйте позже.")
		return
	}
	reply(fmt.Sprintf("✅ <code>%d</code> продлён на %d мес., до %s", tgID, months, timeutil.FormatTimestamp(newExpiry)))
}

// handleAdminBroadcast — /broadcast <текст>: рассылка всем клиентам с tg id.
func handleAdminBroadcast(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.CommandArguments())
	if text == "" {
		m := tgbotapi.NewMessage(msg.Chat.ID, "Использование: /broadcast <текст>")
		_, _ = bot.Send(m)
		return
	}

	clients := panelClient.GetAllClients()
	sent, failed := 0, 0
	seen := make(map[int64]bool)
	for _, cl := range clients {
		tgID := int64(cl.TgID)
		if tgID == 0 || seen[tgID] {
			continue
		}
		seen[tgID] = true

		out := tgbotapi.NewMessage(tgID, text)
		out.ParseMode = "HTML"
		out.DisableWebPagePreview = true
		if _, err := bot.Send(out); err != nil {
			failed++
			continue
		}
		sent++
	}

	m := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("📣 Рассылка: доставлено %d, ошибок %d", sent, failed))
	_, _ = bot.Send(m)
}

// handleAdminSync — /sync: сведение клиентов панели с Google-таблицей.
func handleAdminSync(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	reply := func(text string) {
		m := tgbotapi.NewMessage(msg.Chat.ID, text)
		m.ParseMode = "HTML"
		_, _ = bot.Send(m)
	}

	if sheetService == nil {
		reply("Google-таблица не настроена.")
		return
	}

	roster := buildRoster(bot)
	if len(roster) == 0 {
		reply("❌ Панель не вернула клиентов, синхронизация отменена.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := sheetService.Sync(ctx, roster, time.Now())
	if err != nil {
		lg.Errorw("sheet sync failed", "error", err)
		reply("❌ Синхронизация не удалась, подробности в логах.")
		return
	}

	for _, entry := range report.ExpiringToday {
		sendMessageToAdmins(bot, fmt.Sprintf("⏳ Сегодня истекает подписка: %s (<code>%d</code>)", html.EscapeString(entry.Username), entry.TgID))
	}

	reply(fmt.Sprintf("✅ Синхронизировано: %d строк, изменено %d, удалено %d, истекает сегодня %d",
		report.Total, report.Changed, report.Removed, len(report.ExpiringToday)))
}

// buildRoster собирает живой список клиентов панели для таблицы.
// Username подтягиваем через Telegram: панель его не хранит.
func buildRoster(bot *tgbotapi.BotAPI) []sheets.RosterEntry {
	clients := panelClient.GetAllClients()
	roster := make([]sheets.RosterEntry, 0, len(clients))
	seen := make(map[int64]bool)
	for _, cl := range clients {
		tgID := int64(cl.TgID)
		if tgID == 0 || seen[tgID] {
			continue
		}
		seen[tgID] = true

		username := "Не найден"
		chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{
			ChatConfig: tgbotapi.ChatConfig{ChatID: tgID},
		})
		if err == nil {
			if chat.UserName != "" {
				username = "@" + chat.UserName
			} else {
				username = "Без username"
			}
		}

		roster = append(roster, sheets.RosterEntry{
			TgID:     tgID,
			Username: username,
			Name:     cl.Email,
			ExpiryMs: cl.ExpiryTime,
		})
	}
	return roster
}
