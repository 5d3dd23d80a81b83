package manager

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nettasker/internal/shared/settings"
	"nettasker/internal/shared/types"
	"nettasker/proxypool/model"
	"nettasker/proxypool/storage"
	"nettasker/proxypool/validator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock 是可手动推进的时间源。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg types.PoolConf, policy settings.Policy, recs ...model.ProxyRecord) (*Manager, *fakeClock) {
	t.Helper()
	m := NewManager(cfg, policy, nil, nil)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.SetClock(clock.Now)
	for _, r := range recs {
		require.NoError(t, m.AddProxy(r))
	}
	return m, clock
}

func rec(id string, category model.Choice, maxConns int) model.ProxyRecord {
	return model.ProxyRecord{
		ID:             id,
		IP:             "10.0.0.1",
		Port:           8080,
		Protocol:       "http",
		Category:       category,
		MaxConnections: maxConns,
		State:          model.StateAvailable,
	}
}

func TestSelectByChoices_PrefersFirstChoiceWithCandidates(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(),
		rec("dc-1", "dc", 1),
		rec("res-1", "residential", 1),
	)

	lease := m.SelectByChoices([]model.Choice{"mobile", "residential", "dc"}, "Login", false)
	require.True(t, lease.Proxy().IsReal())
	assert.Equal(t, "res-1", lease.Proxy().Record().ID)

	mine, total := m.Usage("res-1", "Login")
	assert.Equal(t, 1, mine)
	assert.Equal(t, 1, total)

	lease.Release()
	lease.Release()
	mine, _ = m.Usage("res-1", "Login")
	assert.Equal(t, 0, mine, "release must be idempotent")
}

func TestSelectByChoices_DirectAndInvalid(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 1))

	direct := m.SelectByChoices([]model.Choice{"mobile", model.ChoiceDirect, "dc"}, "Task", false)
	assert.True(t, direct.Proxy().IsDirect())
	direct.Release()

	none := m.SelectByChoices([]model.Choice{"mobile"}, "Task", false)
	assert.True(t, none.Proxy().IsInvalid())
	none.Release()

	empty := m.SelectByChoices(nil, "Task", false)
	assert.True(t, empty.Proxy().IsInvalid())
}

func TestSelectByChoices_PerUserCap(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 2))

	a := m.SelectByChoices([]model.Choice{"dc"}, "Task", false)
	b := m.SelectByChoices([]model.Choice{"dc"}, "Task", false)
	c := m.SelectByChoices([]model.Choice{"dc"}, "Task", false)
	assert.True(t, a.Proxy().IsReal())
	assert.True(t, b.Proxy().IsReal())
	assert.True(t, c.Proxy().IsInvalid(), "cap of 2 per identifier reached")

	// 其他 identifier 不受影响
	other := m.SelectByChoices([]model.Choice{"dc"}, "Other", false)
	assert.True(t, other.Proxy().IsReal())

	a.Release()
	d := m.SelectByChoices([]model.Choice{"dc"}, "Task", false)
	assert.True(t, d.Proxy().IsReal())
}

func TestSelectByChoices_UniqueUser(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(),
		rec("dc-1", "dc", 5),
		rec("dc-2", "dc", 5),
	)

	first := m.SelectByChoices([]model.Choice{"dc"}, "Unique", true)
	second := m.SelectByChoices([]model.Choice{"dc"}, "Unique", true)
	third := m.SelectByChoices([]model.Choice{"dc"}, "Unique", true)

	require.True(t, first.Proxy().IsReal())
	require.True(t, second.Proxy().IsReal())
	assert.NotEqual(t, first.Proxy().Record().ID, second.Proxy().Record().ID)
	assert.True(t, third.Proxy().IsInvalid())
}

func TestSelectByChoices_FlaggedProxies(t *testing.T) {
	ghost := rec("dc-ghost", "dc", 1)
	ghost.State = model.StateGhosted
	black := rec("dc-black", "dc", 1)
	black.State = model.StateBlacklisted
	invalid := rec("dc-invalid", "dc", 1)
	invalid.State = model.StateInvalid

	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), ghost, black, invalid)
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsInvalid())

	allow := settings.DefaultPolicy()
	allow.AllowFlaggedProxies = true
	m2, _ := newTestManager(t, types.PoolConf{}, allow, ghost, black, invalid)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		l := m2.SelectByChoices([]model.Choice{"dc"}, fmt.Sprintf("T%d", i), true)
		if l.Proxy().IsReal() {
			seen[l.Proxy().Record().ID] = true
		}
	}
	assert.True(t, seen["dc-ghost"])
	assert.True(t, seen["dc-black"])
	assert.False(t, seen["dc-invalid"], "INVALID is never selectable")
}

func TestSelect_Cooldown(t *testing.T) {
	m, clock := newTestManager(t, types.PoolConf{CooldownSeconds: 30}, settings.DefaultPolicy(), rec("dc-1", "dc", 1))

	l := m.SelectByChoices([]model.Choice{"dc"}, "T", false)
	require.True(t, l.Proxy().IsReal())
	l.Release()

	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsInvalid())

	ignored := m.SelectByPreference([]model.Choice{"dc"}, "T", false, true)
	require.True(t, ignored.Proxy().IsReal())
	ignored.Release()

	clock.Advance(31 * time.Second)
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsReal())
}

func TestSelectByPreference_IgnoreUserLimits(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 1))

	a := m.SelectByPreference([]model.Choice{"dc"}, "T", false, false)
	b := m.SelectByPreference([]model.Choice{"dc"}, "T", false, false)
	c := m.SelectByPreference([]model.Choice{"dc"}, "T", true, false)
	assert.True(t, a.Proxy().IsReal())
	assert.True(t, b.Proxy().IsInvalid())
	assert.True(t, c.Proxy().IsReal())

	_, total := m.Usage("dc-1", "T")
	assert.Equal(t, 2, total)
	a.Release()
	c.Release()
	_, total = m.Usage("dc-1", "T")
	assert.Equal(t, 0, total)
}

func TestSelect_DefaultMaxConnections(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{DefaultMaxConnections: 2}, settings.DefaultPolicy(), rec("dc-1", "dc", 0))
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsReal())
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsReal())
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsInvalid())
}

func TestSelect_ConcurrentSlotAccounting(t *testing.T) {
	const proxies, capPerUser, workers = 3, 2, 40
	recs := make([]model.ProxyRecord, 0, proxies)
	for i := 0; i < proxies; i++ {
		recs = append(recs, rec(fmt.Sprintf("dc-%d", i), "dc", capPerUser))
	}
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), recs...)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leases []*Lease
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := m.SelectByChoices([]model.Choice{"dc"}, "Shared", false)
			if l.Proxy().IsReal() {
				mu.Lock()
				leases = append(leases, l)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, leases, proxies*capPerUser, "never more leases than total capacity")
	for _, item := range m.Snapshot() {
		assert.LessOrEqual(t, item.Active, capPerUser)
	}

	for _, l := range leases {
		wg.Add(1)
		go func(l *Lease) {
			defer wg.Done()
			l.Release()
			l.Release()
		}(l)
	}
	wg.Wait()
	for _, item := range m.Snapshot() {
		assert.Equal(t, 0, item.Active)
	}
}

func TestCanAddUserAndAcquire(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 2))

	assert.False(t, m.CanAddUser("missing", "T", false))
	assert.True(t, m.CanAddUser("dc-1", "T", true))

	l, ok := m.Acquire("dc-1", "T", true)
	require.True(t, ok)
	assert.Equal(t, "T", l.Identifier())
	assert.False(t, m.CanAddUser("dc-1", "T", true))
	assert.True(t, m.CanAddUser("dc-1", "T", false))

	_, ok = m.Acquire("dc-1", "T", true)
	assert.False(t, ok)

	l2, ok := m.Acquire("dc-1", "T", false)
	require.True(t, ok)
	_, ok = m.Acquire("dc-1", "T", false)
	assert.False(t, ok)

	l.Release()
	l2.Release()
	mine, _ := m.Usage("dc-1", "T")
	assert.Equal(t, 0, mine)
}

func TestAcquire_IgnoresHealthState(t *testing.T) {
	g := rec("dc-1", "dc", 1)
	g.State = model.StateGhosted
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), g)

	l, ok := m.Acquire("dc-1", "T", false)
	require.True(t, ok)
	assert.Equal(t, model.StateGhosted, l.Proxy().Record().State)
	l.Release()
}

func TestFindBestChoice(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy())
	assert.Equal(t, model.ChoiceDirect, m.FindBestChoice())

	require.NoError(t, m.AddProxy(rec("dc-1", "dc", 1)))
	require.NoError(t, m.AddProxy(rec("res-1", "residential", 3)))
	assert.Equal(t, model.Choice("residential"), m.FindBestChoice())

	l1, _ := m.Acquire("res-1", "a", false)
	l2, _ := m.Acquire("res-1", "b", false)
	l3, _ := m.Acquire("res-1", "c", false)
	assert.Equal(t, model.Choice("dc"), m.FindBestChoice())
	l1.Release()
	l2.Release()
	l3.Release()
}

func TestFindBestChoice_FullByTotalStillSelectable(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 1))
	held, ok := m.Acquire("dc-1", "other", false)
	require.True(t, ok)
	defer held.Release()

	choice := m.FindBestChoice()
	assert.Equal(t, model.Choice("dc"), choice, "every slot is taken, but only by another identifier")

	lease := m.SelectByChoices([]model.Choice{choice}, "mine", false)
	assert.Equal(t, "dc-1", lease.Proxy().Record().ID)
	lease.Release()

	require.NoError(t, m.MarkInvalid("dc-1"))
	assert.Equal(t, model.ChoiceDirect, m.FindBestChoice())
}

func TestLookupAndMarkInvalid(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 1))

	got, ok := m.Lookup("dc-1")
	require.True(t, ok)
	assert.Equal(t, model.StateAvailable, got.State)

	require.NoError(t, m.MarkInvalid("dc-1"))
	got, _ = m.Lookup("dc-1")
	assert.Equal(t, model.StateInvalid, got.State)
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsInvalid())

	assert.True(t, errors.Is(m.MarkInvalid("missing"), ErrUnknownProxy))
	_, ok = m.Lookup("missing")
	assert.False(t, ok)
}

func TestAddProxy_RejectsDirectCategory(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy())
	assert.Error(t, m.AddProxy(rec("x", model.ChoiceDirect, 1)))

	r := rec("", "", 1)
	require.NoError(t, m.AddProxy(r))
	all := m.GetAllProxies()
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.1:8080-H", all[0].ID)
	assert.Equal(t, DefaultCategory, all[0].Category)
}

func TestApplyResult_StateTransitions(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy())
	p := &model.ProxyRecord{ID: "p", State: model.StateAvailable}

	for i := 1; i < maxFailuresBeforeBlacklist; i++ {
		m.applyResult(p, validator.Result{ID: "p"})
		assert.Equal(t, model.StateGhosted, p.State)
		assert.Equal(t, i, p.FailureCount)
	}
	m.applyResult(p, validator.Result{ID: "p"})
	assert.Equal(t, model.StateBlacklisted, p.State)

	m.applyResult(p, validator.Result{ID: "p", OK: true, Protocol: "socks5", Latency: time.Second})
	assert.Equal(t, model.StateAvailable, p.State)
	assert.Equal(t, 0, p.FailureCount)
	assert.Equal(t, 1, p.SuccessCount)
	assert.Equal(t, "socks5", p.Protocol)
	assert.Equal(t, p.LastChecked.Add(time.Hour), p.NextChecked)
}

func TestImport_WithoutValidator(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy())

	done, err := m.Import([]string{"1.2.3.4:80", " ", "bad", "5.6.7.8:x", "9.9.9.9:1080:user:pass"}, "socks5", "mobile")
	require.NoError(t, err)
	<-done

	all := m.GetAllProxies()
	require.Len(t, all, 2)
	assert.Equal(t, "1.2.3.4:80-S", all[0].ID)
	assert.Equal(t, model.StateGhosted, all[0].State)
	assert.Equal(t, model.Choice("mobile"), all[0].Category)
	assert.Equal(t, "user", all[1].Username)

	again, err := m.Import([]string{"1.2.3.4:80"}, "socks5", "mobile")
	require.NoError(t, err)
	<-again
	assert.Len(t, m.GetAllProxies(), 2)

	_, err = m.Import([]string{"1.1.1.1:1"}, "http", model.ChoiceDirect)
	assert.Error(t, err)
}

func TestDeleteProxies(t *testing.T) {
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), rec("dc-1", "dc", 1), rec("dc-2", "dc", 1))
	require.NoError(t, m.DeleteProxies([]string{"dc-1", "missing"}))
	_, ok := m.Lookup("dc-1")
	assert.False(t, ok)
	assert.Len(t, m.GetAllProxies(), 1)
}

func TestStartStop_PersistsPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	cfg := types.PoolConf{ScrapeIntervalHours: 1, HealthCheckIntervalSeconds: 3600}

	m := NewManager(cfg, settings.DefaultPolicy(), storage.NewFileStorage(path), nil)
	m.Start()
	require.NoError(t, m.AddProxy(rec("dc-1", "dc", 4)))
	m.Stop()
	m.Stop()

	m2 := NewManager(cfg, settings.DefaultPolicy(), storage.NewFileStorage(path), nil)
	require.NoError(t, m2.Load())
	got, ok := m2.Lookup("dc-1")
	require.True(t, ok)
	assert.Equal(t, 4, got.MaxConnections)
}

func TestOnSettingsUpdate_TogglesFlaggedProxies(t *testing.T) {
	g := rec("dc-1", "dc", 1)
	g.State = model.StateGhosted
	m, _ := newTestManager(t, types.PoolConf{}, settings.DefaultPolicy(), g)
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsInvalid())

	require.NoError(t, m.OnSettingsUpdate("session", &settings.SessionSettings{AllowFlaggedProxies: true}))
	assert.True(t, m.SelectByChoices([]model.Choice{"dc"}, "T", false).Proxy().IsReal())
}
