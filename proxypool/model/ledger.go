package model

import "time"

// Usage 是某个 identifier 在某个代理上的使用记录。
type Usage struct {
	Active   int       `json:"active"`
	LastUsed time.Time `json:"last_used"`
}

// Ledger 记录一个代理上按 identifier 划分的使用情况。
// 它不是并发安全的，调用方 (代理池) 负责加锁。
type Ledger map[string]*Usage

// Active returns the live slot count of identifier.
func (l Ledger) Active(identifier string) int {
	if u, ok := l[identifier]; ok {
		return u.Active
	}
	return 0
}

// TotalActive sums the live slots over all identifiers.
func (l Ledger) TotalActive() int {
	total := 0
	for _, u := range l {
		total += u.Active
	}
	return total
}

// LastUsed returns the zero time when identifier never used the proxy.
func (l Ledger) LastUsed(identifier string) time.Time {
	if u, ok := l[identifier]; ok {
		return u.LastUsed
	}
	return time.Time{}
}

// LatestUse is the most recent LastUsed over all identifiers.
func (l Ledger) LatestUse() time.Time {
	var latest time.Time
	for _, u := range l {
		if u.LastUsed.After(latest) {
			latest = u.LastUsed
		}
	}
	return latest
}

// CoolingDown reports whether identifier released the proxy less than cooldown ago.
func (l Ledger) CoolingDown(identifier string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return false
	}
	last := l.LastUsed(identifier)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < cooldown
}

// Add 增加一个占用并刷新使用时间。
func (l Ledger) Add(identifier string, now time.Time) {
	u, ok := l[identifier]
	if !ok {
		u = &Usage{}
		l[identifier] = u
	}
	u.Active++
	u.LastUsed = now
}

// Remove 释放一个占用。计数不会低于零，返回是否真的释放了占用。
func (l Ledger) Remove(identifier string, now time.Time) bool {
	u, ok := l[identifier]
	if !ok || u.Active <= 0 {
		return false
	}
	u.Active--
	u.LastUsed = now
	return true
}
