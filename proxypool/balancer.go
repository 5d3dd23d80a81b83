package manager

import (
	"strings"
	"sync/atomic"
	"time"

	"nettasker/proxypool/model"
)

// Candidate 是选择阶段传给负载均衡策略的一个候选代理。
type Candidate struct {
	Record   model.ProxyRecord
	Active   int       // 所有 identifier 在该代理上的占用总数
	LastUsed time.Time // 最近一次占用或释放
}

// Balancer 是所有负载均衡策略的统一接口。candidates 非空且按 ID 排序，返回选中的下标。
type Balancer interface {
	Pick(candidates []Candidate) int
}

// NewBalancer 根据名称创建策略，未知名称回退到 least_recently_used。
func NewBalancer(name string) Balancer {
	switch strings.ToLower(name) {
	case "least_connections":
		return &LeastConnections{}
	case "round_robin":
		return &RoundRobin{}
	default:
		return &LeastRecentlyUsed{}
	}
}

// --- LeastRecentlyUsed ---

// LeastRecentlyUsed 选择最久未被使用的代理，从未使用过的优先。
type LeastRecentlyUsed struct{}

func (lb *LeastRecentlyUsed) Pick(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		c, b := candidates[i], candidates[best]
		if c.LastUsed.Before(b.LastUsed) || (c.LastUsed.Equal(b.LastUsed) && c.Active < b.Active) {
			best = i
		}
	}
	return best
}

// --- LeastConnections ---

// LeastConnections 选择当前占用最少的代理。
type LeastConnections struct{}

func (lb *LeastConnections) Pick(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Active < candidates[best].Active {
			best = i
		}
	}
	return best
}

// --- RoundRobin ---

// RoundRobin 按顺序轮询候选代理。
type RoundRobin struct {
	counter uint64
}

func (lb *RoundRobin) Pick(candidates []Candidate) int {
	idx := atomic.AddUint64(&lb.counter, 1) - 1
	return int(idx % uint64(len(candidates)))
}
