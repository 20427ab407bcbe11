package timeutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"
)

// Все пользовательские даты (окончание подписки, окно напоминаний,
// расписание уведомлений) считаются в одном операционном часовом поясе.
const defaultTimezone = "Europe/Moscow"

const (
	TrialDays     = 3
	subIDLength   = 16
	refCodeLength = 8
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var loc = loadLocation()

func loadLocation() *time.Location {
	tz := os.Getenv("TIMEZONE")
	if tz == "" {
		tz = defaultTimezone
	}
	l, err := time.LoadLocation(tz)
	if err != nil {
		// tzdata может отсутствовать в контейнере — МСК фиксированный, без DST
		return time.FixedZone("MSK", 3*60*60)
	}
	return l
}

// Location возвращает операционный часовой пояс.
func Location() *time.Location {
	return loc
}

func NewClientUUID() string {
	return uuid.New().String()
}

func GenerateSubID() string {
	return randString(subIDLength)
}

func GenerateRefCode() string {
	return randString(refCodeLength)
}

func randString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand не отдаёт ошибок на поддерживаемых платформах
			b[i] = alphanumeric[0]
			continue
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b)
}

func TrialEmail(tgID int64) string {
	return fmt.Sprintf("trial_%d", tgID)
}

// GenerateExpiry возвращает дату истечения через days дней в 23:59:59
// операционного времени, в миллисекундах UTC.
func GenerateExpiry(days int) int64 {
	return ExpiryAfterDays(time.Now(), days)
}

func ExpiryAfterDays(now time.Time, days int) int64 {
	n := now.In(loc)
	target := time.Date(n.Year(), n.Month(), n.Day(), 23, 59, 59, 0, loc).AddDate(0, 0, days)
	return target.UnixMilli()
}

// ComputeNewExpiry считает новую дату окончания при продлении на months
// календарных месяцев. База — текущее окончание, если оно ещё в будущем,
// иначе now: просроченная подписка продлевается от сегодняшнего дня, а не
// от давно прошедшей даты. Результат всегда 23:59:59 операционного времени.
// Чистая функция: одинаковые аргументы дают одинаковый результат.
func ComputeNewExpiry(currentExpiryMs int64, now time.Time, months int) int64 {
	base := now.In(loc)
	if currentExpiryMs > 0 {
		cur := time.UnixMilli(currentExpiryMs).In(loc)
		if cur.After(now) {
			base = cur
		}
	}

	day := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, loc)
	end := day.AddDate(0, months, 0)
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc).UnixMilli()
}

// ExpiryTime преобразует метку окончания в operational time.
func ExpiryTime(ms int64) time.Time {
	return time.UnixMilli(ms).In(loc)
}

// IsExpiringSoon — истекает ли подписка сегодня или завтра по
// календарю операционного пояса.
func IsExpiringSoon(expiry, now time.Time) bool {
	e := expiry.In(loc)
	n := now.In(loc)
	tomorrow := n.AddDate(0, 0, 1)
	return sameDate(e, n) || sameDate(e, tomorrow)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FormatTimestamp форматирует метку в миллисекундах для пользователя.
func FormatTimestamp(ms int64) string {
	if ms <= 0 {
		return "неизвестно"
	}
	return time.UnixMilli(ms).In(loc).Format("02.01.2006 15:04")
}

// FormatDate — только дата, для строк таблицы.
func FormatDate(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).In(loc).Format("02.01.2006")
}

func IsAdmin(tgID int64, admins []int64) bool {
	for _, id := range admins {
		if id == tgID {
			return true
		}
	}
	return false
}
