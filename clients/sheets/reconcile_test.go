package sheets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
)

func msk(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, timeutil.Location())
}

func TestStatus(t *testing.T) {
	now := msk(2025, time.May, 10, 12)

	assert.Equal(t, StatusUnlimited, Status(0, now))
	assert.Equal(t, StatusActive, Status(msk(2025, time.May, 20, 23).UnixMilli(), now))
	assert.Equal(t, StatusExpired, Status(msk(2025, time.May, 1, 23).UnixMilli(), now))
}

func TestReconcileAddsNewClients(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	roster := []RosterEntry{
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.June, 1, 23).UnixMilli()},
		{TgID: 200, Username: "@bob", Name: "bob", ExpiryMs: 0},
	}

	res := Reconcile(nil, roster, now)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 2, res.Changed)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, []string{"100", "@alice", "alice", "", "01.06.2025", "", StatusActive}, res.Rows[0])
	assert.Equal(t, StatusUnlimited, res.Rows[1][colStatus])
}

func TestReconcilePreservesOperatorColumns(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	existing := [][]string{
		{"100", "@alice", "alice", "01.01.2025", "01.04.2025", "200", StatusActive},
	}
	roster := []RosterEntry{
		// дата окончания сдвинулась — строка обновится
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.June, 1, 23).UnixMilli()},
	}

	res := Reconcile(existing, roster, now)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "01.01.2025", res.Rows[0][colStartDate], "start date is operator-owned")
	assert.Equal(t, "200", res.Rows[0][colAmount], "amount is operator-owned")
	assert.Equal(t, "01.06.2025", res.Rows[0][colExpiry])
	assert.Equal(t, 1, res.Changed)
}

func TestReconcileRemovesStaleRow(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	existing := [][]string{
		{"100", "@alice", "alice", "01.01.2025", "01.06.2025", "200", StatusActive},
		{"300", "@gone", "gone", "02.02.2025", "01.03.2025", "400", StatusExpired},
		{"200", "@bob", "bob", "", "", "", StatusUnlimited},
	}
	roster := []RosterEntry{
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.June, 1, 23).UnixMilli()},
		{TgID: 200, Username: "@bob", Name: "bob", ExpiryMs: 0},
	}

	res := Reconcile(existing, roster, now)

	require.Len(t, res.Rows, 2, "exactly the stale row is dropped")
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, "100", res.Rows[0][colTgID])
	assert.Equal(t, "200", res.Rows[1][colTgID])
	// соседние строки не пострадали
	assert.Equal(t, "01.01.2025", res.Rows[0][colStartDate])
	assert.Equal(t, "200", res.Rows[0][colAmount])
}

func TestReconcileCollapsesDuplicateRows(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	// один tg id продублирован в таблице (например, после ручной правки)
	existing := [][]string{
		{"100", "@alice", "alice", "01.01.2025", "01.06.2025", "200", StatusActive},
		{"100", "@alice", "alice", "02.02.2025", "01.06.2025", "400", StatusActive},
		{"200", "@bob", "bob", "", "", "", StatusUnlimited},
	}
	roster := []RosterEntry{
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.June, 1, 23).UnixMilli()},
		{TgID: 200, Username: "@bob", Name: "bob", ExpiryMs: 0},
	}

	res := Reconcile(existing, roster, now)

	require.Len(t, res.Rows, 2, "duplicate rows collapse into one")
	assert.Equal(t, "100", res.Rows[0][colTgID])
	assert.Equal(t, "200", res.Rows[1][colTgID])
	assert.Equal(t, 0, res.Removed)
	// операторские колонки берутся из первой встреченной строки
	assert.Equal(t, "01.01.2025", res.Rows[0][colStartDate])
	assert.Equal(t, "200", res.Rows[0][colAmount])
}

func TestReconcileUnchangedRowNotCounted(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	existing := [][]string{
		{"100", "@alice", "alice", "01.01.2025", "01.06.2025", "200", StatusActive},
	}
	roster := []RosterEntry{
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.June, 1, 23).UnixMilli()},
	}

	res := Reconcile(existing, roster, now)
	assert.Equal(t, 0, res.Changed)
	require.Len(t, res.Rows, 1)
}

func TestReconcileExpiringToday(t *testing.T) {
	now := msk(2025, time.May, 10, 12)
	roster := []RosterEntry{
		{TgID: 100, Username: "@alice", Name: "alice", ExpiryMs: msk(2025, time.May, 10, 23).UnixMilli()},
		{TgID: 200, Username: "@bob", Name: "bob", ExpiryMs: msk(2025, time.May, 11, 23).UnixMilli()},
		// уже истёкшая сегодня утром — не "активная, истекает сегодня"
		{TgID: 300, Username: "@carol", Name: "carol", ExpiryMs: msk(2025, time.May, 10, 1).UnixMilli()},
	}

	res := Reconcile(nil, roster, now)

	require.Len(t, res.ExpiringToday, 1)
	assert.Equal(t, int64(100), res.ExpiringToday[0].TgID)
}

func TestRowColor(t *testing.T) {
	today := "10.05.2025"

	cases := []struct {
		name string
		row  []string
		want interface{}
	}{
		{"active", []string{"1", "", "", "", "01.06.2025", "", StatusActive}, colorGreen},
		{"expired", []string{"1", "", "", "", "01.04.2025", "", StatusExpired}, colorRed},
		{"unlimited", []string{"1", "", "", "", "", "", StatusUnlimited}, colorBlue},
		{"expiring today", []string{"1", "", "", "", today, "", StatusActive}, colorYellow},
		{"unknown status", []string{"1", "", "", "", "", "", ""}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rowColor(tc.row, today)
			if tc.want == nil {
				assert.Nil(t, got)
			} else {
				assert.Same(t, tc.want, got)
			}
		})
	}
}
