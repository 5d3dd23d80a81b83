package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// State 是代理的健康状态。只由健康检查 (validator) 改变，选择逻辑只读取它。
type State int

const (
	StateAvailable State = iota
	StateGhosted
	StateBlacklisted
	StateInvalid
)

var stateNames = [...]string{"AVAILABLE", "GHOSTED", "BLACKLISTED", "INVALID"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ParseState is the inverse of State.String. Unknown names map to StateInvalid.
func ParseState(name string) State {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i)
		}
	}
	return StateInvalid
}

// Flagged reports whether the state is GHOSTED or BLACKLISTED.
func (s State) Flagged() bool {
	return s == StateGhosted || s == StateBlacklisted
}

// Choice 是任务声明的代理偏好标签，对应代理记录的 Category。
type Choice string

const (
	// ChoiceDirect 是保留值，表示不使用代理直接连接。
	ChoiceDirect Choice = "direct"
)

// ProxyRecord 定义了一个代理的完整信息。代理池是它的唯一所有者，
// 其他组件只持有 ID，或通过 Lookup 拿到值拷贝。
type ProxyRecord struct {
	// 核心信息
	ID       string `json:"id"` // 唯一ID, "ip:port-H" / "ip:port-S" 或 UUID
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // "http" 或 "socks5"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// 分类与配额
	Category       Choice `json:"category"`
	MaxConnections int    `json:"max_connections"` // 0 表示使用代理池默认值

	// 元数据
	Source  string `json:"source"`
	Country string `json:"country,omitempty"`

	// 健康状态与生命周期管理
	State        State         `json:"state"`
	Latency      time.Duration `json:"latency"`
	LastChecked  time.Time     `json:"last_checked"`
	NextChecked  time.Time     `json:"next_checked"`
	FailureCount int           `json:"failure_count"`
	SuccessCount int           `json:"success_count"`
}

// Addr returns host:port.
func (p ProxyRecord) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// URL returns the proxy URL understood by net/http and the socks dialer.
func (p ProxyRecord) URL() string {
	scheme := "http"
	if p.Protocol == "socks5" {
		scheme = "socks5"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s", scheme, p.Username, p.Password, p.Addr())
	}
	return fmt.Sprintf("%s://%s", scheme, p.Addr())
}

// ProxyID builds the canonical id for an address, the same format scrapers and imports use.
func ProxyID(ip string, port int, protocol string) string {
	suffix := "-H"
	if protocol == "socks5" {
		suffix = "-S"
	}
	return fmt.Sprintf("%s:%d%s", ip, port, suffix)
}

// Kind 标识 Proxy 变体。
type Kind int

const (
	KindInvalid Kind = iota
	KindDirect
	KindReal
	KindDebug
)

// Proxy is the result of a selection: a real record, an explicit direct connection,
// the fixed debug intercept endpoint, or the invalid marker.
type Proxy struct {
	kind   Kind
	record ProxyRecord
}

// Invalid 表示选择失败。
func Invalid() Proxy { return Proxy{kind: KindInvalid} }

// Direct 表示显式不使用代理。
func Direct() Proxy { return Proxy{kind: KindDirect} }

// Real wraps a snapshot of a pool record.
func Real(rec ProxyRecord) Proxy { return Proxy{kind: KindReal, record: rec} }

// Debug 返回固定的调试拦截代理 (例如 Fiddler 监听的 127.0.0.1:8888)。
func Debug(addr string) Proxy {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Invalid()
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Invalid()
	}
	return Proxy{kind: KindDebug, record: ProxyRecord{
		ID:       "debug-intercept",
		IP:       host,
		Port:     port,
		Protocol: "http",
		State:    StateAvailable,
	}}
}

func (p Proxy) Kind() Kind        { return p.kind }
func (p Proxy) IsInvalid() bool   { return p.kind == KindInvalid }
func (p Proxy) IsDirect() bool    { return p.kind == KindDirect }
func (p Proxy) IsReal() bool      { return p.kind == KindReal }
func (p Proxy) IsDebug() bool     { return p.kind == KindDebug }
func (p Proxy) UsesNetwork() bool { return p.kind == KindReal || p.kind == KindDebug }

// Record returns the wrapped record. It is the zero value for Direct and Invalid.
func (p Proxy) Record() ProxyRecord { return p.record }

func (p Proxy) String() string {
	switch p.kind {
	case KindDirect:
		return "DIRECT"
	case KindReal:
		return p.record.ID
	case KindDebug:
		return "DEBUG(" + p.record.Addr() + ")"
	default:
		return "INVALID"
	}
}
