package db

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	s, err := New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stageNew(t *testing.T, s *Store, uid int64) *Stage {
	t.Helper()
	st, err := s.StageGrant(context.Background(), StageInput{
		TelegramUserID: uid,
		Username:       "alice",
		PeerName:       fmt.Sprintf("alice_%d", uid),
		ExpireDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return st
}

func TestPlaceholder(t *testing.T) {
	p := NewPlaceholder()
	assert.True(t, IsPlaceholder(p))
	assert.False(t, IsPlaceholder("abc="))
	assert.NotEqual(t, p, NewPlaceholder())

	ts, ok := PlaceholderTime(p)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, 2*time.Second)

	_, ok = PlaceholderTime("pending:garbage")
	assert.False(t, ok)
}

func TestGetDialector(t *testing.T) {
	_, err := GetDialector("sqlite", "file::memory:")
	assert.NoError(t, err)
	_, err = GetDialector("mysql", "dsn")
	assert.Error(t, err)
}

func TestStageFinalizeCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 1)
	assert.Equal(t, StageCreate, st.Mode)
	assert.Nil(t, st.Previous)

	g, err := s.GetActiveGrant(ctx, 1)
	require.NoError(t, err)
	assert.True(t, g.IsPending())
	assert.Equal(t, st.PendingPeerID, g.PeerID)

	expire := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.FinalizeGrant(ctx, st, "peerKey=", "job-1", expire, ""))

	g, err = s.GetActiveGrant(ctx, 1)
	require.NoError(t, err)
	assert.False(t, g.IsPending())
	assert.Equal(t, "peerKey=", g.PeerID)
	assert.Equal(t, "job-1", g.JobID)
	assert.WithinDuration(t, expire, g.ExpireDate, time.Second)
	assert.False(t, g.StageSnapshot.Data().Valid)
}

func TestGetGrantByPeer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := stageNew(t, s, 3)
	require.NoError(t, s.FinalizeGrant(ctx, st, "peer3=", "job3", st.ExpireDate, ""))

	g, err := s.GetGrantByPeerID(ctx, "peer3=")
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.TelegramUserID)

	g, err = s.GetGrantByPeerName(ctx, "alice_3")
	require.NoError(t, err)
	assert.Equal(t, "peer3=", g.PeerID)

	_, err = s.GetGrantByPeerID(ctx, "missing=")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStageUniqueActivePerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 1)
	// незавершённый stage блокирует новый
	_, err := s.StageGrant(ctx, StageInput{TelegramUserID: 1, PeerName: "alice_1", ExpireDate: time.Now()})
	assert.ErrorIs(t, err, ErrStageInFlight)

	require.NoError(t, s.FinalizeGrant(ctx, st, "peerKey=", "job-1", st.ExpireDate, ""))

	// второй stage переводит ту же запись в режим update
	st2, err := s.StageGrant(ctx, StageInput{TelegramUserID: 1, PeerName: "alice_1", ExpireDate: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, StageUpdate, st2.Mode)
	assert.Equal(t, st.GrantID, st2.GrantID)

	var n int64
	require.NoError(t, s.DB().Model(&Grant{}).Where("telegram_user_id = ?", 1).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestRollbackCreateDeletesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 7)
	require.NoError(t, s.RollbackGrant(ctx, st))

	_, err := s.GetActiveGrant(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int64
	require.NoError(t, s.DB().Model(&Grant{}).Count(&n).Error)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.RollbackGrant(ctx, st), ErrStageLost)
}

func TestRollbackUpdateRestoresEveryField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 3)
	oldExpire := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.FinalizeGrant(ctx, st, "oldKey=", "old-job", oldExpire, ""))
	require.NoError(t, s.DB().Model(&Grant{}).Where("id = ?", st.GrantID).Updates(map[string]interface{}{
		"payment_status":            PaymentPaid,
		"payment_method":            MethodStars,
		"tariff_key":                "30_days",
		"stars_paid":                200,
		"notification_sent":         true,
		"expired_notification_sent": true,
	}).Error)
	before, err := s.GetActiveGrant(ctx, 3)
	require.NoError(t, err)

	paidAt := time.Now()
	st2, err := s.StageGrant(ctx, StageInput{
		TelegramUserID: 3,
		Username:       "bob",
		ExpireDate:     time.Now().Add(14 * 24 * time.Hour),
		PaymentStatus:  PaymentPaid,
		PaymentMethod:  MethodYooKassa,
		TariffKey:      "14_days",
		AddRub:         15000,
		PaidAt:         &paidAt,
	})
	require.NoError(t, err)
	require.Equal(t, StageUpdate, st2.Mode)
	require.NotNil(t, st2.Previous)
	assert.Equal(t, "oldKey=", st2.Previous.PeerID)

	mid, err := s.GetActiveGrant(ctx, 3)
	require.NoError(t, err)
	assert.True(t, mid.IsPending())
	assert.EqualValues(t, 15000, mid.RubPaid)
	assert.True(t, mid.StageSnapshot.Data().Valid)

	require.NoError(t, s.RollbackGrant(ctx, st2))

	after, err := s.GetActiveGrant(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, before.PeerName, after.PeerName)
	assert.Equal(t, before.PeerID, after.PeerID)
	assert.Equal(t, before.JobID, after.JobID)
	assert.Equal(t, before.TelegramUsername, after.TelegramUsername)
	assert.WithinDuration(t, before.ExpireDate, after.ExpireDate, time.Second)
	assert.Equal(t, before.PaymentStatus, after.PaymentStatus)
	assert.Equal(t, before.PaymentMethod, after.PaymentMethod)
	assert.Equal(t, before.TariffKey, after.TariffKey)
	assert.Equal(t, before.StarsPaid, after.StarsPaid)
	assert.Equal(t, before.RubPaid, after.RubPaid)
	assert.Nil(t, after.LastPaymentDate)
	assert.True(t, after.NotificationSent)
	assert.True(t, after.ExpiredNotificationSent)
	assert.False(t, after.StageSnapshot.Data().Valid)
}

func TestFinalizeResetsFlagsOnlyWhenExpiryMoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 4)
	expire := time.Now().Add(10 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.FinalizeGrant(ctx, st, "k1=", "j1", expire, ""))
	require.NoError(t, s.MarkNotificationSent(ctx, st.GrantID))

	// восстановление с той же датой не сбрасывает флаг
	restore, err := s.StageGrant(ctx, StageInput{TelegramUserID: 4, ExpireDate: expire})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeGrant(ctx, restore, "k2=", "j2", expire, ""))
	g, err := s.GetActiveGrant(ctx, 4)
	require.NoError(t, err)
	assert.True(t, g.NotificationSent)

	// продление сбрасывает
	extend, err := s.StageGrant(ctx, StageInput{TelegramUserID: 4, ExpireDate: expire.Add(48 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeGrant(ctx, extend, "k3=", "j3", expire.Add(48*time.Hour), ""))
	g, err = s.GetActiveGrant(ctx, 4)
	require.NoError(t, err)
	assert.False(t, g.NotificationSent)
}

func TestFinalizeWrongPlaceholders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 5)
	bogus := *st
	bogus.PendingPeerID = NewPlaceholder()
	assert.ErrorIs(t, s.FinalizeGrant(ctx, &bogus, "k=", "j", time.Now(), ""), ErrStageLost)
}

func TestFinalizeClaimsPaymentOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPayment(ctx, &Payment{PaymentID: "pay-1", UserID: 8, Amount: 30000, Currency: "RUB", Method: MethodYooKassa, TariffKey: "30_days"}))
	_, _, err := s.TransitionPayment(ctx, "pay-1", StatusSucceeded)
	require.NoError(t, err)

	st := stageNew(t, s, 8)
	require.NoError(t, s.FinalizeGrant(ctx, st, "k=", "j", st.ExpireDate, "pay-1"))

	p, err := s.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.NotNil(t, p.AppliedAt)

	// повторная выдача по тому же платежу откатывается целиком
	st2, err := s.StageGrant(ctx, StageInput{TelegramUserID: 8, ExpireDate: time.Now().Add(60 * 24 * time.Hour)})
	require.NoError(t, err)
	err = s.FinalizeGrant(ctx, st2, "k2=", "j2", st2.ExpireDate, "pay-1")
	assert.ErrorIs(t, err, ErrPaymentApplied)

	g, err := s.GetActiveGrant(ctx, 8)
	require.NoError(t, err)
	assert.True(t, g.IsPending(), "finalize must not commit when the payment claim fails")
}

func TestPaymentTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{StatusPending, StatusSucceeded, true},
		{StatusPending, StatusCanceled, true},
		{StatusSucceeded, StatusSucceeded, true},
		{StatusSucceeded, StatusRefunded, true},
		{StatusCanceled, StatusSucceeded, false},
		{StatusRefunded, StatusSucceeded, false},
		{StatusPending, StatusRefunded, false},
		{StatusPending, StatusPending, false},
		{StatusSucceeded, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordPayment(ctx, &Payment{PaymentID: "p", UserID: 1, Amount: 100, Currency: "XTR"}))

	_, _, err := s.TransitionPayment(ctx, "p", "bogus")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	p, changed, err := s.TransitionPayment(ctx, "p", StatusSucceeded)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusSucceeded, p.Status)

	_, changed, err = s.TransitionPayment(ctx, "p", StatusSucceeded)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = s.TransitionPayment(ctx, "p", StatusCanceled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = s.TransitionPayment(ctx, "missing", StatusSucceeded)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.RecordPayment(ctx, &Payment{PaymentID: "p", UserID: 1}), ErrDuplicate)
}

func TestEnsurePayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.EnsurePayment(ctx, Payment{PaymentID: "charge-1", UserID: 2, Amount: 100, Currency: "XTR", Status: StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, p.Status)

	again, err := s.EnsurePayment(ctx, Payment{PaymentID: "charge-1", UserID: 2, Amount: 999})
	require.NoError(t, err)
	assert.EqualValues(t, 100, again.Amount)
}

func TestExtendGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 9)
	require.NoError(t, s.FinalizeGrant(ctx, st, "k=", "j", time.Now().Add(time.Hour), ""))
	require.NoError(t, s.MarkNotificationSent(ctx, st.GrantID))

	newExpire := time.Now().Add(15 * 24 * time.Hour)
	require.NoError(t, s.ExtendGrant(ctx, ExtendInput{
		GrantID: st.GrantID, UserID: 9, ExpireDate: newExpire,
		PaymentMethod: MethodStars, TariffKey: "14_days", AddStars: 100, PaidAt: time.Now(),
	}))
	require.NoError(t, s.ExtendGrant(ctx, ExtendInput{
		GrantID: st.GrantID, UserID: 9, ExpireDate: newExpire.Add(24 * time.Hour),
		PaymentMethod: MethodStars, TariffKey: "14_days", AddStars: 100, PaidAt: time.Now(),
	}))

	g, err := s.GetActiveGrant(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 200, g.StarsPaid)
	assert.Equal(t, PaymentPaid, g.PaymentStatus)
	assert.False(t, g.NotificationSent)
	assert.Equal(t, "k=", g.PeerID)

	err = s.ExtendGrant(ctx, ExtendInput{GrantID: st.GrantID, UserID: 10, ExpireDate: newExpire})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mk := func(uid int64, expire time.Time, paid bool) uint {
		st := stageNew(t, s, uid)
		require.NoError(t, s.FinalizeGrant(ctx, st, fmt.Sprintf("key%d=", uid), fmt.Sprintf("job%d", uid), expire, ""))
		if paid {
			require.NoError(t, s.DB().Model(&Grant{}).Where("id = ?", st.GrantID).Update("payment_status", PaymentPaid).Error)
		}
		return st.GrantID
	}
	expired := mk(1, now.Add(-time.Hour), true)
	soon := mk(2, now.Add(12*time.Hour), true)
	mk(3, now.Add(72*time.Hour), true)
	mk(4, now.Add(-time.Hour), false)
	stageNew(t, s, 5) // staged, не должен попасть в выборку

	got, err := s.ExpiredUnnotified(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired, got[0].ID)

	got, err = s.ExpiringUnnotified(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, soon, got[0].ID)

	require.NoError(t, s.MarkExpiredNotificationSent(ctx, expired))
	require.NoError(t, s.MarkNotificationSent(ctx, soon))

	got, err = s.ExpiredUnnotified(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.ExpiringUnnotified(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStaleStagesAndRecover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// update-stage поверх завершённой записи
	st := stageNew(t, s, 1)
	require.NoError(t, s.FinalizeGrant(ctx, st, "orig=", "orig-job", st.ExpireDate, ""))
	_, err := s.StageGrant(ctx, StageInput{TelegramUserID: 1, ExpireDate: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	// create-stage
	stageNew(t, s, 2)

	fresh, err := s.StaleStages(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, err := s.StaleStages(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	for _, g := range stale {
		_, err := s.RecoverStage(ctx, g.ID)
		require.NoError(t, err)
	}

	g, err := s.GetActiveGrant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "orig=", g.PeerID)
	assert.Equal(t, "orig-job", g.JobID)

	_, err = s.GetActiveGrant(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := stageNew(t, s, 11)
	require.NoError(t, s.RollbackGrant(ctx, st))
	s.LogOperation(ctx, "alice_11", OpRemoteFailure, "create peer: timeout")

	ops, err := s.RecentOperations(ctx, "alice_11", 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpRemoteFailure, ops[0].Operation)
	assert.Equal(t, OpRollbackGrant, ops[1].Operation)
	assert.Equal(t, OpStageGrant, ops[2].Operation)
}

func TestSumPayments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, amount := range []int64{15000, 30000} {
		id := fmt.Sprintf("p%d", i)
		require.NoError(t, s.RecordPayment(ctx, &Payment{PaymentID: id, UserID: 1, Amount: amount, Currency: "RUB"}))
		_, _, err := s.TransitionPayment(ctx, id, StatusSucceeded)
		require.NoError(t, err)
	}
	require.NoError(t, s.RecordPayment(ctx, &Payment{PaymentID: "pending", UserID: 1, Amount: 999, Currency: "RUB"}))

	sum, err := s.SumPayments(ctx, "RUB", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 45000, sum)
}
