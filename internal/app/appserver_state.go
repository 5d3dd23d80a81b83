package app

import (
	"nettasker/proxypool/model"
)

// Status 是代理池和会话存储的一个快照。
type Status struct {
	Proxies  []ProxyStatus
	ByState  map[string]int
	Sessions int
}

// ProxyStatus is one row of Status.
type ProxyStatus struct {
	ID       string
	Addr     string
	Category model.Choice
	State    string
	Active   int
	Latency  int64 // ms
}

// Status collects the pool snapshot and counts stored sessions.
func (s *AppServer) Status() (Status, error) {
	items := s.proxyPoolManager.Snapshot()
	st := Status{
		Proxies: make([]ProxyStatus, 0, len(items)),
		ByState: make(map[string]int),
	}
	for _, it := range items {
		st.Proxies = append(st.Proxies, ProxyStatus{
			ID:       it.Record.ID,
			Addr:     it.Record.Addr(),
			Category: it.Record.Category,
			State:    it.Record.State.String(),
			Active:   it.Active,
			Latency:  it.Record.Latency.Milliseconds(),
		})
		st.ByState[it.Record.State.String()]++
	}

	sessions, err := s.sessions.List()
	if err != nil {
		return st, err
	}
	st.Sessions = len(sessions)
	return st, nil
}
