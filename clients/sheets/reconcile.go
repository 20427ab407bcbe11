package sheets

import (
	"strconv"
	"time"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
)

// Header — колонки зеркала. "Дата начала" и "Сумма" заполняет оператор
// руками, синхронизация обязана их не трогать.
var Header = []string{"TG ID", "Username", "Имя", "Дата начала", "Дата окончания", "Сумма", "Статус"}

const (
	colTgID = iota
	colUsername
	colName
	colStartDate
	colExpiry
	colAmount
	colStatus
)

// Статусы строк в зеркале.
const (
	StatusUnlimited = "Безлимит"
	StatusActive    = "Активен"
	StatusExpired   = "Истёк"
)

// RosterEntry — клиент панели в том виде, в котором он попадает в
// таблицу. Username разрешается на стороне вызывающего (через bot API).
type RosterEntry struct {
	TgID     int64
	Username string
	Name     string
	ExpiryMs int64
}

// Result — итог сведения живого списка с текущими строками таблицы.
type Result struct {
	Rows          [][]string
	Changed       int
	Removed       int
	ExpiringToday []RosterEntry
}

// Status классифицирует запись по времени окончания.
func Status(expiryMs int64, now time.Time) string {
	switch {
	case expiryMs == 0:
		return StatusUnlimited
	case expiryMs > now.UnixMilli():
		return StatusActive
	default:
		return StatusExpired
	}
}

// Reconcile сводит живой список клиентов панели с существующими строками
// зеркала: по tg id обновляет изменившиеся строки, сохраняя операторские
// колонки, добавляет новые, выкидывает строки без живого клиента.
// Активные записи, истекающие сегодня, собираются отдельно — о них
// уведомляется оператор в каждом прогоне (повторный запуск в тот же день
// уведомит снова; это осознанный компромисс, а не баг).
func Reconcile(existing [][]string, roster []RosterEntry, now time.Time) Result {
	today := now.In(timeutil.Location()).Format("02.01.2006")

	// При дублях tg id в таблице считаем первую строку канонической: из
	// неё берутся операторские колонки, её позицию занимает результат.
	existingByID := make(map[string][]string, len(existing))
	for _, row := range existing {
		if len(row) == 0 || row[colTgID] == "" {
			continue
		}
		if _, ok := existingByID[row[colTgID]]; ok {
			continue
		}
		existingByID[row[colTgID]] = row
	}

	var result Result
	fresh := make(map[string][]string, len(roster))
	var freshOrder []string

	for _, entry := range roster {
		id := strconv.FormatInt(entry.TgID, 10)
		status := Status(entry.ExpiryMs, now)
		expiryStr := timeutil.FormatDate(entry.ExpiryMs)

		if status == StatusActive && expiryStr == today {
			result.ExpiringToday = append(result.ExpiringToday, entry)
		}

		row := []string{id, entry.Username, entry.Name, "", expiryStr, "", status}
		if old, ok := existingByID[id]; ok {
			row[colStartDate] = cell(old, colStartDate)
			row[colAmount] = cell(old, colAmount)
			if rowChanged(old, row) {
				result.Changed++
			}
		} else {
			result.Changed++
		}

		if _, dup := fresh[id]; dup {
			continue
		}
		fresh[id] = row
		freshOrder = append(freshOrder, id)
	}

	// Сохраняем порядок таблицы для выживших строк. Дубликаты tg id в
	// старой таблице схлопываются в одну строку.
	seen := make(map[string]bool, len(existing))
	for _, old := range existing {
		if len(old) == 0 || old[colTgID] == "" {
			continue
		}
		id := old[colTgID]
		if seen[id] {
			continue
		}
		seen[id] = true
		row, alive := fresh[id]
		if !alive {
			result.Removed++
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	for _, id := range freshOrder {
		if !seen[id] {
			result.Rows = append(result.Rows, fresh[id])
		}
	}

	return result
}

func cell(row []string, idx int) string {
	if idx < len(row) {
		return row[idx]
	}
	return ""
}

func rowChanged(old, new []string) bool {
	for _, i := range []int{colUsername, colName, colExpiry, colStatus} {
		if cell(old, i) != cell(new, i) {
			return true
		}
	}
	return false
}
