package tasker

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"nettasker/internal/netclient"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	manager "nettasker/proxypool"
	"nettasker/proxypool/model"
)

// ErrNoClient is returned by helpers that need a built client when none is held.
var ErrNoClient = errors.New("no client built")

// BuildStepName is the name of the synthetic first step of every network task.
const BuildStepName = "Building client"

// BuildFailure 记录 BuildClient 失败的原因。构建失败从不抛出，只返回 false 并记录日志。
type BuildFailure int

const (
	BuildOK BuildFailure = iota
	// 策略要求会话绑定代理，但会话没有
	BuildNoAssignedProxy
	// 策略不允许会话直连
	BuildDirectNotAllowed
	// 已绑定的代理无法再接受该 identifier
	BuildProxyUnavailable
	// 代理池没有可用代理，且任务不接受 DIRECT
	BuildNoProxy
	// 代理被标记为 GHOSTED 或 BLACKLISTED
	BuildFlaggedProxy
	// 网络客户端构造失败
	BuildClientError
	// 外部客户端缺失或已释放
	BuildNoExternalClient
	// 绑定的代理已被标记为 INVALID
	BuildInvalidProxy
)

var buildFailureNames = [...]string{
	"ok",
	"no assigned proxy",
	"direct connection not allowed",
	"proxy unavailable",
	"no proxy",
	"flagged proxy",
	"client error",
	"no external client",
	"invalid proxy",
}

func (f BuildFailure) String() string {
	if f < 0 || int(f) >= len(buildFailureNames) {
		return "unknown"
	}
	return buildFailureNames[f]
}

// ProxyPool 是生命周期需要的代理池操作，*manager.Manager 实现了它。
type ProxyPool interface {
	SelectByChoices(choices []model.Choice, identifier string, uniqueUser bool) *manager.Lease
	Acquire(id, identifier string, uniqueUser bool) (*manager.Lease, bool)
	Lookup(id string) (model.ProxyRecord, bool)
	MarkInvalid(id string) error
	FindBestChoice() model.Choice
}

// Client 是任务持有的网络客户端，*netclient.Client 实现了它。
type Client interface {
	Do(req *http.Request) (*http.Response, error)
	CookieJar() *netclient.CookieJar
	Proxy() model.Proxy
	Browser() netclient.Browser
	Close() error
}

// ClientFactory 根据指纹、代理和连接策略构造客户端。
type ClientFactory interface {
	NewClient(b netclient.Browser, p model.Proxy, policies ...netclient.ConnectionPolicy) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(b netclient.Browser, p model.Proxy, policies ...netclient.ConnectionPolicy) (Client, error)

func (f ClientFactoryFunc) NewClient(b netclient.Browser, p model.Proxy, policies ...netclient.ConnectionPolicy) (Client, error) {
	return f(b, p, policies...)
}

// DefaultClientFactory builds real netclient clients.
var DefaultClientFactory ClientFactory = ClientFactoryFunc(func(b netclient.Browser, p model.Proxy, policies ...netclient.ConnectionPolicy) (Client, error) {
	c, err := netclient.New(b, p, policies...)
	if err != nil {
		return nil, err
	}
	return c, nil
})

// Deps 是构造网络任务所需的进程级协作者。Policy 在进程启动时加载一次后按值传入。
type Deps struct {
	Pool    ProxyPool
	Policy  settings.Policy
	Factory ClientFactory
}

// TaskPolicy 是任务可定制的部分。零值表示使用默认行为。
type TaskPolicy struct {
	// Identifier 是代理占用账本里的用户名，按任务类型命名，同类任务共用一个。
	// 默认为任务名。
	Identifier string
	// Browser 返回构造客户端使用的指纹，默认每次生成一个桌面指纹。
	Browser func() netclient.Browser
	// ProxyChoices 返回按优先级排列的代理偏好，为空时使用代理池的 FindBestChoice。
	ProxyChoices func() []model.Choice
	// ClientPolicies 返回客户端连接策略。
	ClientPolicies func() []netclient.ConnectionPolicy
	// OnFlaggedProxy 在绑定的代理被标记时调用。
	OnFlaggedProxy func(rec model.ProxyRecord)
	// KeepAlive 为 true 时跨尝试复用已构建的客户端。
	KeepAlive bool
	// UniqueProxyUser 要求同一 identifier 独占代理。
	UniqueProxyUser bool
}

// NetTask 为一次任务执行构建、校验和释放网络客户端。
// 它由单个 goroutine (任务的 Run) 驱动，不是并发安全的。
type NetTask struct {
	name string
	deps Deps
	tp   TaskPolicy

	boundProxyID string

	client      Client
	lease       *manager.Lease
	external    bool
	lastFailure BuildFailure

	// 会话任务挂载的扩展点
	gate          func() BuildFailure
	boundProxy    func() string
	afterBuild    func(c Client)
	beforeDispose func(c Client)
}

// NewNetTask creates a lifecycle for a task named name.
func NewNetTask(name string, deps Deps, tp TaskPolicy) *NetTask {
	if deps.Factory == nil {
		deps.Factory = DefaultClientFactory
	}
	if tp.Identifier == "" {
		tp.Identifier = name
	}
	t := &NetTask{name: name, deps: deps, tp: tp}
	t.boundProxy = func() string { return t.boundProxyID }
	return t
}

// BindProxy makes every build re-validate and reuse the given pool record instead of selecting.
func (t *NetTask) BindProxy(id string) *NetTask {
	t.boundProxyID = id
	return t
}

// AssignExternalClient adopts a client owned by the caller. It is never closed by this task.
func (t *NetTask) AssignExternalClient(c Client) *NetTask {
	t.client = c
	t.external = c != nil
	return t
}

func (t *NetTask) Name() string       { return t.name }
func (t *NetTask) Identifier() string { return t.tp.Identifier }
func (t *NetTask) Client() Client     { return t.client }
func (t *NetTask) External() bool     { return t.external }

// LastBuildFailure reports why the latest BuildClient returned false.
func (t *NetTask) LastBuildFailure() BuildFailure { return t.lastFailure }

// Lease returns the proxy slot held by the current client, if any.
func (t *NetTask) Lease() *manager.Lease { return t.lease }

func (t *NetTask) browser() netclient.Browser {
	if t.tp.Browser != nil {
		return t.tp.Browser()
	}
	return netclient.NewBrowser(false)
}

func (t *NetTask) proxyChoices() []model.Choice {
	var choices []model.Choice
	if t.tp.ProxyChoices != nil {
		choices = t.tp.ProxyChoices()
	}
	if len(choices) == 0 && t.deps.Pool != nil {
		choices = []model.Choice{t.deps.Pool.FindBestChoice()}
	}
	return choices
}

func (t *NetTask) clientPolicies() []netclient.ConnectionPolicy {
	if t.tp.ClientPolicies != nil {
		return t.tp.ClientPolicies()
	}
	return nil
}

// BuildClient 为本次尝试准备客户端。失败时返回 false，原因见 LastBuildFailure。
func (t *NetTask) BuildClient() bool {
	l := logger.WithComponent("Tasker/Client")

	if !t.tp.KeepAlive {
		t.DisposeClient(false)
	}
	if t.client != nil {
		t.lastFailure = BuildOK
		return true
	}

	if t.gate != nil {
		if f := t.gate(); f != BuildOK {
			return t.fail(f, model.Invalid())
		}
	}

	lease, failure := t.buildProxy()
	if failure != BuildOK {
		return t.fail(failure, model.Invalid())
	}
	p := lease.Proxy()

	if p.IsReal() && p.Record().State.Flagged() && !t.deps.Policy.AllowFlaggedProxies {
		lease.Release()
		if t.tp.OnFlaggedProxy != nil {
			t.tp.OnFlaggedProxy(p.Record())
		}
		return t.fail(BuildFlaggedProxy, p)
	}

	c, err := t.deps.Factory.NewClient(t.browser(), p, t.clientPolicies()...)
	if err != nil {
		lease.Release()
		if p.IsReal() && errors.Is(err, netclient.ErrInvalidProxy) {
			if markErr := t.deps.Pool.MarkInvalid(p.Record().ID); markErr != nil {
				l.Debug().Err(markErr).Str("proxy_id", p.Record().ID).Msg("Could not mark proxy invalid.")
			}
		}
		l.Warn().Err(err).Str("task", t.name).Str("proxy", p.String()).Msg("Failed to initialize client.")
		return t.fail(BuildClientError, p)
	}

	if t.deps.Policy.DebugIntercept {
		debug := model.Debug(t.deps.Policy.DebugProxyAddr)
		dc, err := t.deps.Factory.NewClient(c.Browser(), debug, append(t.clientPolicies(), netclient.WithInsecureTLS())...)
		if err != nil {
			t.closeClient(c)
			lease.Release()
			l.Warn().Err(err).Str("task", t.name).Str("debug_proxy", t.deps.Policy.DebugProxyAddr).Msg("Failed to route client through debug proxy.")
			return t.fail(BuildClientError, debug)
		}
		dc.CookieJar().ImportCookies(c.CookieJar().GetCookies())
		t.closeClient(c)
		c = dc
	}

	t.client, t.lease = c, lease
	t.lastFailure = BuildOK
	if t.afterBuild != nil {
		t.afterBuild(c)
	}

	l.Debug().Str("task", t.name).Str("identifier", t.tp.Identifier).Str("proxy", p.String()).Msg("Client built.")
	return true
}

// buildProxy 选出本次尝试使用的代理，并已占用其槽位。
func (t *NetTask) buildProxy() (*manager.Lease, BuildFailure) {
	l := logger.WithComponent("Tasker/Client")

	if id := t.boundProxy(); id != "" && t.deps.Pool != nil {
		if _, ok := t.deps.Pool.Lookup(id); ok {
			lease, ok := t.deps.Pool.Acquire(id, t.tp.Identifier, t.tp.UniqueProxyUser)
			if !ok {
				l.Warn().Str("task", t.name).Str("identifier", t.tp.Identifier).Str("proxy_id", id).Msg("Can't add user to proxy at this time.")
				return nil, BuildProxyUnavailable
			}
			// Acquire 不检查状态，INVALID 的绑定代理在这里拒绝
			if lease.Proxy().Record().State == model.StateInvalid {
				lease.Release()
				return nil, BuildInvalidProxy
			}
			return lease, BuildOK
		}
		l.Debug().Str("task", t.name).Str("proxy_id", id).Msg("Bound proxy no longer in pool, selecting by choice.")
	}

	choices := t.proxyChoices()
	if t.deps.Pool == nil {
		if slices.Contains(choices, model.ChoiceDirect) {
			return manager.DirectLease(t.tp.Identifier), BuildOK
		}
		l.Warn().Str("task", t.name).Msg("No proxy pool configured and DIRECT not accepted.")
		return nil, BuildNoProxy
	}

	lease := t.deps.Pool.SelectByChoices(choices, t.tp.Identifier, t.tp.UniqueProxyUser)
	if lease.Proxy().IsInvalid() {
		l.Warn().Str("task", t.name).Str("identifier", t.tp.Identifier).Interface("choices", choices).Msg("Failed to retrieve proxy to use.")
		return nil, BuildNoProxy
	}
	return lease, BuildOK
}

func (t *NetTask) fail(f BuildFailure, p model.Proxy) bool {
	t.lastFailure = f
	l := logger.WithComponent("Tasker/Client")
	ev := l.Warn().Str("task", t.name).Str("identifier", t.tp.Identifier).Str("reason", f.String())
	if p.IsReal() {
		ev = ev.Str("proxy_id", p.Record().ID).Str("state", p.Record().State.String())
	}
	ev.Msg("Failed to build client.")
	return false
}

// closeClient 关闭客户端，错误只记录日志。
func (t *NetTask) closeClient(c Client) {
	if err := c.Close(); err != nil {
		l := logger.WithComponent("Tasker/Client")
		l.Warn().Err(err).Str("task", t.name).Msg("Error closing client.")
	}
}

// DisposeClient 关闭并释放当前客户端 (外部客户端只导出 cookie，不关闭)，
// rebuild 为 true 时立即重新构建。没有客户端时是空操作。
func (t *NetTask) DisposeClient(rebuild bool) {
	if t.client != nil && t.beforeDispose != nil {
		t.beforeDispose(t.client)
	}
	if t.external {
		return
	}
	if t.client != nil {
		t.closeClient(t.client)
		t.client = nil
	}
	if t.lease != nil {
		t.lease.Release()
		t.lease = nil
	}
	if rebuild {
		t.BuildClient()
	}
}

// --- Lifecycle ---

// Prelude 返回合成的 "Building client" 步骤。构建失败时返回 CANCEL。
func (t *NetTask) Prelude() []Step {
	return []Step{{
		Name:        BuildStepName,
		Critical:    true,
		MaxAttempts: 1,
		Run: func(ctx context.Context) (StepState, error) {
			if !t.BuildClient() {
				return StepCancel, nil
			}
			return StepSuccess, nil
		},
	}}
}

func (t *NetTask) OnStepFail(step Step) {}

// OnException 在关键步骤抛出异常时释放客户端，下一次构建会重新选择代理。
func (t *NetTask) OnException(step Step, err error) {
	if step.Critical {
		t.DisposeClient(false)
	}
}

// OnFinish 释放客户端，外部客户端除外。
func (t *NetTask) OnFinish() {
	if !t.external {
		t.DisposeClient(false)
	}
}
