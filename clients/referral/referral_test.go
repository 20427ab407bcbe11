package referral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	l, err := Open(":memory:")
	require.NoError(t, err)
	return l
}

func TestGetOrCreateCodeStable(t *testing.T) {
	l := openTestLedger(t)

	code, err := l.GetOrCreateCode(100)
	require.NoError(t, err)
	assert.Len(t, code, 8)

	again, err := l.GetOrCreateCode(100)
	require.NoError(t, err)
	assert.Equal(t, code, again, "repeat calls must return the same code")

	other, err := l.GetOrCreateCode(200)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}

func TestFindInviterByCode(t *testing.T) {
	l := openTestLedger(t)

	code, err := l.GetOrCreateCode(100)
	require.NoError(t, err)

	inviter, ok := l.FindInviterByCode(code)
	require.True(t, ok)
	assert.Equal(t, int64(100), inviter)

	_, ok = l.FindInviterByCode("unknown1")
	assert.False(t, ok)
}

func TestRecordReferralAtMostOnce(t *testing.T) {
	l := openTestLedger(t)

	code, err := l.GetOrCreateCode(100)
	require.NoError(t, err)

	require.NoError(t, l.RecordReferral(100, 500, code))
	// повтор и даже другой пригласивший — не создают вторую запись
	require.NoError(t, l.RecordReferral(100, 500, code))
	require.NoError(t, l.RecordReferral(200, 500, "othercode"))

	var count int64
	require.NoError(t, l.db.Model(&Record{}).Where("invited_id = ?", 500).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	invited, err := l.ListInvitedBy(100)
	require.NoError(t, err)
	require.Len(t, invited, 1)
	assert.Equal(t, int64(500), *invited[0].InvitedID)

	none, err := l.ListInvitedBy(200)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListInvitedBySkipsOpenRecord(t *testing.T) {
	l := openTestLedger(t)

	code, err := l.GetOrCreateCode(100)
	require.NoError(t, err)

	invited, err := l.ListInvitedBy(100)
	require.NoError(t, err)
	assert.Empty(t, invited, "the open code record is not an invited user")

	require.NoError(t, l.RecordReferral(100, 501, code))
	require.NoError(t, l.RecordReferral(100, 502, code))

	invited, err = l.ListInvitedBy(100)
	require.NoError(t, err)
	assert.Len(t, invited, 2)
}

func TestMarkPaid(t *testing.T) {
	l := openTestLedger(t)

	code, err := l.GetOrCreateCode(100)
	require.NoError(t, err)
	require.NoError(t, l.RecordReferral(100, 500, code))

	require.NoError(t, l.MarkPaid(500))

	invited, err := l.ListInvitedBy(100)
	require.NoError(t, err)
	require.Len(t, invited, 1)
	assert.Equal(t, BonusPaid, invited[0].BonusStatus)
}
