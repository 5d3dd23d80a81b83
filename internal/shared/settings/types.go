package settings

// ProxyPolicy 定义会话在没有分配代理时是否允许运行。
type ProxyPolicy string

const (
	// PolicyAssignedOnly 要求会话必须绑定代理。
	PolicyAssignedOnly ProxyPolicy = "ASSIGNED_ONLY"
	// PolicyAny 未绑定代理的会话直接连接。
	PolicyAny ProxyPolicy = "ANY"
	// PolicyPool 未绑定代理的会话从代理池按 choice 选取。
	PolicyPool ProxyPolicy = "POOL"
)

// DefaultDebugProxyAddr is the fixed intercept endpoint used when debug_intercept is on.
const DefaultDebugProxyAddr = "127.0.0.1:8888"

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: "session" 或 "proxy"。
	// newSettings: 对应模块的新配置结构体指针 (e.g., *SessionSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 .session_config.json 的顶层结构。
// 使用指针类型确保 JSON 中缺少某个模块时字段为 nil，读取时再补默认值。
type RuntimeSettings struct {
	Session *SessionSettings `json:"session"`
	Proxy   *ProxySettings   `json:"proxy"`
}

// SessionSettings 对应 "session" 模块。
type SessionSettings struct {
	ProxyPolicy         ProxyPolicy `json:"proxy_policy"`
	AllowFlaggedProxies bool        `json:"allow_flagged_proxies"`
}

// ProxySettings 对应 "proxy" 模块。
type ProxySettings struct {
	CellularMode   bool   `json:"cellular_mode"`
	DebugIntercept bool   `json:"debug_intercept"`
	DebugProxyAddr string `json:"debug_proxy_addr,omitempty"`
}

// Policy is the immutable, process-wide view of the settings that the pool and the
// task lifecycle consult. It is passed by value into their constructors.
type Policy struct {
	ProxyPolicy         ProxyPolicy
	AllowFlaggedProxies bool
	CellularMode        bool
	DebugIntercept      bool
	DebugProxyAddr      string
}

// DefaultPolicy mirrors createDefaultSettings.
func DefaultPolicy() Policy {
	return createDefaultSettings().Policy()
}

// Policy flattens the module settings into a Policy value.
func (s *RuntimeSettings) Policy() Policy {
	p := Policy{
		ProxyPolicy:    PolicyAssignedOnly,
		DebugProxyAddr: DefaultDebugProxyAddr,
	}
	if s.Session != nil {
		if s.Session.ProxyPolicy != "" {
			p.ProxyPolicy = s.Session.ProxyPolicy
		}
		p.AllowFlaggedProxies = s.Session.AllowFlaggedProxies
	}
	if s.Proxy != nil {
		p.CellularMode = s.Proxy.CellularMode
		p.DebugIntercept = s.Proxy.DebugIntercept
		if s.Proxy.DebugProxyAddr != "" {
			p.DebugProxyAddr = s.Proxy.DebugProxyAddr
		}
	}
	return p
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Session: &SessionSettings{ProxyPolicy: PolicyAssignedOnly},
		Proxy:   &ProxySettings{DebugProxyAddr: DefaultDebugProxyAddr},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Session == nil {
		s.Session = &SessionSettings{ProxyPolicy: PolicyAssignedOnly}
	}
	if s.Session.ProxyPolicy == "" {
		s.Session.ProxyPolicy = PolicyAssignedOnly
	}
	if s.Proxy == nil {
		s.Proxy = &ProxySettings{}
	}
	if s.Proxy.DebugProxyAddr == "" {
		s.Proxy.DebugProxyAddr = DefaultDebugProxyAddr
	}
}
