package main

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
	"github.com/maxkov-dev/xuiBot/clients/xui"
)

const notifyHour = 18

// dailyNotifyWorker раз в сутки, в 18:00 по Москве, рассылает
// напоминания тем, у кого подписка кончается сегодня или завтра.
// Если бот стартовал после 18:00, ближайший прогон — завтра.
func dailyNotifyWorker(bot *tgbotapi.BotAPI, panel *xui.Client, lg *zap.SugaredLogger) {
	for {
		now := time.Now().In(timeutil.Location())
		next := time.Date(now.Year(), now.Month(), now.Day(), notifyHour, 0, 0, 0, timeutil.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		lg.Infow("notifier: waiting for next run", "at", next.Format("02.01.2006 15:04"))
		time.Sleep(next.Sub(now))

		notifySweep(bot, panel, lg)
	}
}

func notifySweep(bot *tgbotapi.BotAPI, panel *xui.Client, lg *zap.SugaredLogger) {
	clients := panel.GetAllClients()
	if len(clients) == 0 {
		lg.Warnw("notifier: panel returned no clients, skipping sweep")
		return
	}

	now := time.Now()
	sent, failed := 0, 0
	for _, cl := range clients {
		if cl.TgID == 0 || cl.ExpiryTime <= 0 {
			continue
		}
		if !timeutil.IsExpiringSoon(timeutil.ExpiryTime(cl.ExpiryTime), now) {
			continue
		}

		text := fmt.Sprintf(
			"⏳ Ваша подписка истекает <b>%s</b>.\n\nПродлите её в боте командой /start, чтобы доступ не прервался.",
			timeutil.FormatTimestamp(cl.ExpiryTime),
		)
		msg := tgbotapi.NewMessage(int64(cl.TgID), text)
		msg.ParseMode = "HTML"
		if _, err := bot.Send(msg); err != nil {
			// Пользователь мог заблокировать бота — не повод ронять рассылку.
			lg.Warnw("notifier: send failed", "tg_id", cl.TgID, "error", err)
			failed++
			continue
		}
		sent++
	}

	lg.Infow("notifier: sweep done", "sent", sent, "failed", failed)
}
