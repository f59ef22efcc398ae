package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
)

var errGateway = errors.New("gateway unavailable")

type fakeJob struct {
	Peer   string
	Expire time.Time
}

// fakeGateway держит пиров и задачи в памяти и повторяет нормализацию дат шлюза
type fakeGateway struct {
	mu         sync.Mutex
	seq        int
	peers      map[string]string
	jobs       map[string]fakeJob
	restricted map[string]bool
	calls      []string

	created int
	deleted int

	createErr   error
	jobErr      error
	updateErr   error
	deleteErr   error
	existsErr   error
	liftErr     error
	restrictErr error

	// пир создаётся, но CreatePeer возвращает его id вместе с этой ошибкой
	createBadErr error

	// сколько первых попыток скачивания вернут ошибку
	downloadFailures int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		peers:      map[string]string{},
		jobs:       map[string]fakeJob{},
		restricted: map[string]bool{},
	}
}

func (f *fakeGateway) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeGateway) CreatePeer(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_peer")
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	f.created++
	id := fmt.Sprintf("peer-%d=", f.seq)
	f.peers[id] = name
	return id, f.createBadErr
}

func (f *fakeGateway) DeletePeer(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete_peer")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted++
	delete(f.peers, peerID)
	return nil
}

func (f *fakeGateway) PeerExists(_ context.Context, peerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("peer_exists")
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.peers[peerID]
	return ok, nil
}

func (f *fakeGateway) DownloadConfig(_ context.Context, peerID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("download")
	if f.downloadFailures > 0 {
		f.downloadFailures--
		return nil, errors.New("not ready")
	}
	name, ok := f.peers[peerID]
	if !ok {
		return nil, errors.New("no such peer")
	}
	return []byte("[Interface]\n# " + name + "\n"), nil
}

func (f *fakeGateway) CreateExpiryJob(_ context.Context, peerID string, requested time.Time) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_job")
	if f.jobErr != nil {
		return "", time.Time{}, f.jobErr
	}
	expire := requested
	if !expire.After(time.Now()) {
		expire = time.Now().AddDate(0, 0, 30)
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.jobs[id] = fakeJob{Peer: peerID, Expire: expire}
	return id, expire, nil
}

func (f *fakeGateway) UpdateExpiryJob(_ context.Context, jobID, peerID string, expire time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update_job")
	if f.updateErr != nil {
		return f.updateErr
	}
	f.jobs[jobID] = fakeJob{Peer: peerID, Expire: expire}
	return nil
}

func (f *fakeGateway) LiftRestriction(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("allow")
	if f.liftErr != nil {
		return f.liftErr
	}
	delete(f.restricted, peerID)
	return nil
}

func (f *fakeGateway) RestrictPeer(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restrict")
	if f.restrictErr != nil {
		return f.restrictErr
	}
	f.restricted[peerID] = true
	return nil
}

func (f *fakeGateway) peerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeGateway) job(id string) fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeGateway) dropPeer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, id)
}

func (f *fakeGateway) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeRegistry struct {
	mu    sync.Mutex
	bound map[string]string
}

func (r *fakeRegistry) Bind(_ context.Context, username, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound == nil {
		r.bound = map[string]string{}
	}
	r.bound[username] = peerID
	return nil
}

type fakeCustomPeers map[int64][]string

func (c fakeCustomPeers) Peers(userID int64) []string { return c[userID] }

func (c fakeCustomPeers) JobID(userID int64, peerID string) string {
	return fmt.Sprintf("custom-%d-%s", userID, peerID)
}

type harness struct {
	store *db.Store
	gw    *fakeGateway
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	store, err := db.New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := newFakeGateway()
	opts = append([]Option{WithDownloadRetry(10, time.Millisecond)}, opts...)
	return &harness{
		store: store,
		gw:    gw,
		orch:  New(store, gw, config.NewStaticTariffs(), opts...),
	}
}

func starsConfirmation(uid int64, paymentID, tariff string) Confirmation {
	t, _ := config.NewStaticTariffs().Get(tariff)
	return Confirmation{
		User:      User{ID: uid, Username: "alice"},
		PaymentID: paymentID,
		TariffKey: tariff,
		Method:    db.MethodStars,
		Amount:    int64(t.StarsPrice),
	}
}

// seedGrant выдаёт пользователю доступ через обычную оплату и сдвигает дату окончания
func (h *harness) seedGrant(t *testing.T, uid int64, expire time.Time) *db.Grant {
	t.Helper()
	ctx := context.Background()
	out := h.orch.ConfirmPayment(ctx, starsConfirmation(uid, fmt.Sprintf("seed-%d", uid), "30_days"))
	require.True(t, out.OK, out.Message)
	g, err := h.store.GetActiveGrant(ctx, uid)
	require.NoError(t, err)
	require.NoError(t, h.store.DB().Model(&db.Grant{}).Where("id = ?", g.ID).Update("expire_date", expire).Error)
	require.NoError(t, h.gw.UpdateExpiryJob(ctx, g.JobID, g.PeerID, expire))
	g, err = h.store.GetActiveGrant(ctx, uid)
	require.NoError(t, err)
	return g
}
