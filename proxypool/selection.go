package manager

import (
	"sort"
	"sync/atomic"
	"time"

	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	"nettasker/proxypool/model"
)

// Lease 代表一次成功的占用。Release 是幂等的，重复调用不会让计数变为负数。
type Lease struct {
	m          *Manager
	proxy      model.Proxy
	identifier string
	released   atomic.Bool
}

// Proxy returns the selected proxy. For DIRECT and INVALID leases no slot is held.
func (l *Lease) Proxy() model.Proxy {
	if l == nil {
		return model.Invalid()
	}
	return l.proxy
}

// Identifier returns the user identifier the slot is accounted under.
func (l *Lease) Identifier() string {
	if l == nil {
		return ""
	}
	return l.identifier
}

// DirectLease returns a lease for a direct connection. It holds no slot.
func DirectLease(identifier string) *Lease {
	return &Lease{proxy: model.Direct(), identifier: identifier}
}

// Release 归还占用的槽位。
func (l *Lease) Release() {
	if l == nil || l.m == nil || !l.proxy.IsReal() {
		return
	}
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.release(l.proxy.Record().ID, l.identifier)
}

// capacity 决定一个候选代理是否还能接受该 identifier 的新占用。
type capacity int

const (
	// 同一 identifier 在该代理上的占用数必须低于上限
	capacityPerUser capacity = iota
	// 同一 identifier 在该代理上不能有任何占用
	capacityUnique
	// 忽略上限
	capacityIgnore
)

// SelectByPreference walks the choices in order and leases the best candidate of the
// first choice that has one. DIRECT in the list yields a direct lease. When nothing
// matches the returned lease wraps INVALID.
func (m *Manager) SelectByPreference(choices []model.Choice, identifier string, ignoreUserLimits, ignoreCooldowns bool) *Lease {
	limit := capacityPerUser
	if ignoreUserLimits {
		limit = capacityIgnore
	}
	return m.selectAndAcquire(choices, identifier, limit, !ignoreCooldowns)
}

// SelectByChoices is the variant used by task lifecycles. With uniqueUser a proxy is
// only eligible when the identifier holds no slot on it yet; otherwise the identifier's
// slots must stay below the proxy's connection cap. Cooldowns always apply.
func (m *Manager) SelectByChoices(choices []model.Choice, identifier string, uniqueUser bool) *Lease {
	limit := capacityPerUser
	if uniqueUser {
		limit = capacityUnique
	}
	return m.selectAndAcquire(choices, identifier, limit, true)
}

func (m *Manager) selectAndAcquire(choices []model.Choice, identifier string, limit capacity, respectCooldown bool) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cooldown := time.Duration(m.cfg.CooldownSeconds) * time.Second

	for _, choice := range choices {
		if choice == model.ChoiceDirect {
			return DirectLease(identifier)
		}

		candidates := make([]Candidate, 0)
		for id, rec := range m.proxies {
			if rec.Category != choice || !m.stateEligible(rec.State) {
				continue
			}
			ledger := m.ledgers[id]
			if !m.hasRoom(rec, ledger, identifier, limit) {
				continue
			}
			if respectCooldown && ledger.CoolingDown(identifier, cooldown, now) {
				continue
			}
			candidates = append(candidates, Candidate{
				Record:   *rec,
				Active:   ledger.TotalActive(),
				LastUsed: ledger.LatestUse(),
			})
		}
		if len(candidates) == 0 {
			continue
		}

		// 固定顺序，保证负载均衡策略在相同输入下结果确定
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Record.ID < candidates[j].Record.ID
		})
		picked := candidates[m.balancer.Pick(candidates)].Record
		m.addLocked(picked.ID, identifier, now)
		return &Lease{m: m, proxy: model.Real(picked), identifier: identifier}
	}

	l := logger.WithComponent("ProxyPool/Selection")
	l.Debug().
		Str("identifier", identifier).
		Int("choices", len(choices)).
		Msg("No proxy matched the requested choices.")
	return &Lease{proxy: model.Invalid(), identifier: identifier}
}

// CanAddUser reports whether identifier may take another slot on the proxy with the given id.
// Unknown ids are never addable.
func (m *Manager) CanAddUser(id, identifier string, uniqueUser bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.proxies[id]
	if !ok {
		return false
	}
	limit := capacityPerUser
	if uniqueUser {
		limit = capacityUnique
	}
	return m.hasRoom(rec, m.ledgers[id], identifier, limit)
}

// Acquire leases a slot on a specific proxy. The health state is not checked here:
// callers that bind to a known proxy decide themselves whether a flagged proxy is acceptable.
func (m *Manager) Acquire(id, identifier string, uniqueUser bool) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.proxies[id]
	if !ok {
		return nil, false
	}
	limit := capacityPerUser
	if uniqueUser {
		limit = capacityUnique
	}
	if !m.hasRoom(rec, m.ledgers[id], identifier, limit) {
		return nil, false
	}
	m.addLocked(id, identifier, m.now())
	return &Lease{m: m, proxy: model.Real(*rec), identifier: identifier}, true
}

func (m *Manager) release(id, identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[id]
	if !ok {
		return
	}
	ledger.Remove(identifier, m.now())
}

func (m *Manager) addLocked(id, identifier string, now time.Time) {
	ledger, ok := m.ledgers[id]
	if !ok {
		ledger = make(model.Ledger)
		m.ledgers[id] = ledger
	}
	ledger.Add(identifier, now)
}

func (m *Manager) stateEligible(s model.State) bool {
	if s == model.StateAvailable {
		return true
	}
	return m.policy.AllowFlaggedProxies && s.Flagged()
}

func (m *Manager) hasRoom(rec *model.ProxyRecord, ledger model.Ledger, identifier string, limit capacity) bool {
	switch limit {
	case capacityIgnore:
		return true
	case capacityUnique:
		return ledger.Active(identifier) == 0
	default:
		return ledger.Active(identifier) < m.maxConnections(rec)
	}
}

func (m *Manager) maxConnections(rec *model.ProxyRecord) int {
	if rec.MaxConnections > 0 {
		return rec.MaxConnections
	}
	if m.cfg.DefaultMaxConnections > 0 {
		return m.cfg.DefaultMaxConnections
	}
	return 1
}

// FindBestChoice returns the category with the most free capacity among AVAILABLE
// proxies, or DIRECT when the pool has no AVAILABLE proxy at all.
//
// It is not asked on behalf of an identifier, so free capacity is counted over all users
// of a proxy, while selection caps each identifier separately. A category whose proxies
// are full by that count can still serve a new identifier; such categories are returned
// (fewest active slots first) before falling back to DIRECT.
func (m *Manager) FindBestChoice() model.Choice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	free := make(map[model.Choice]int)
	active := make(map[model.Choice]int)
	for id, rec := range m.proxies {
		if rec.State != model.StateAvailable {
			continue
		}
		total := m.ledgers[id].TotalActive()
		active[rec.Category] += total
		if room := m.maxConnections(rec) - total; room > 0 {
			free[rec.Category] += room
		}
	}

	best, bestFree := model.ChoiceDirect, 0
	for choice, n := range free {
		if n > bestFree || (n == bestFree && choice < best) {
			best, bestFree = choice, n
		}
	}
	if best != model.ChoiceDirect {
		return best
	}

	bestActive := -1
	for choice, n := range active {
		if bestActive < 0 || n < bestActive || (n == bestActive && choice < best) {
			best, bestActive = choice, n
		}
	}
	return best
}

// Lookup resolves an id to a snapshot of the record.
func (m *Manager) Lookup(id string) (model.ProxyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.proxies[id]
	if !ok {
		return model.ProxyRecord{}, false
	}
	return *rec, true
}

// MarkInvalid flags a proxy whose endpoint could not be resolved into a usable client.
func (m *Manager) MarkInvalid(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.proxies[id]
	if !ok {
		return ErrUnknownProxy
	}
	rec.State = model.StateInvalid
	rec.LastChecked = m.now()
	return nil
}

// Usage returns the live slot count of identifier on a proxy and the total over all users.
func (m *Manager) Usage(id, identifier string) (mine, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledger := m.ledgers[id]
	return ledger.Active(identifier), ledger.TotalActive()
}

// PoolStatusItem is one row of Snapshot.
type PoolStatusItem struct {
	Record model.ProxyRecord
	Active int
}

// Snapshot returns every record with its live slot count, ordered by id.
func (m *Manager) Snapshot() []PoolStatusItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]PoolStatusItem, 0, len(m.proxies))
	for id, rec := range m.proxies {
		items = append(items, PoolStatusItem{Record: *rec, Active: m.ledgers[id].TotalActive()})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Record.ID < items[j].Record.ID
	})
	return items
}

// OnSettingsUpdate 实现 settings.ConfigurableModule，允许在线切换是否接受被标记的代理。
func (m *Manager) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != "session" {
		return nil
	}
	s, ok := newSettings.(*settings.SessionSettings)
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.policy.AllowFlaggedProxies = s.AllowFlaggedProxies
	m.mu.Unlock()
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Bool("allow_flagged_proxies", s.AllowFlaggedProxies).
		Msg("Pool policy updated.")
	return nil
}
