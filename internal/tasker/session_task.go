package tasker

import (
	"nettasker/internal/netclient"
	"nettasker/internal/session"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
	"nettasker/proxypool/model"
)

// SessionTask 是绑定到会话的网络任务：
// 构建时把会话 cookie 导入客户端，释放时把客户端 cookie 导出回会话。
type SessionTask struct {
	*NetTask
	sess   *session.StorableSession
	choice model.Choice
	store  session.Store
}

// NewSessionTask binds a task to sess. The fingerprint comes from the session and the
// proxy binding, when it resolves, takes precedence over choice. An empty choice is
// resolved through the pool's FindBestChoice.
func NewSessionTask(name string, deps Deps, sess *session.StorableSession, choice model.Choice, tp TaskPolicy) *SessionTask {
	if sess.Data == nil {
		sess.Data = session.NewSessionData(false)
	}
	tp.UniqueProxyUser = true
	st := &SessionTask{sess: sess}
	tp.Browser = func() netclient.Browser { return st.sess.Data.Browser }
	tp.ProxyChoices = func() []model.Choice { return []model.Choice{st.choice} }

	st.NetTask = NewNetTask(name, deps, tp)
	st.gate = st.checkPolicy
	st.boundProxy = st.sessionProxy
	st.afterBuild = st.importCookies
	st.beforeDispose = st.exportCookies
	st.SetProxyChoice(choice)
	return st
}

// WithStore persists the session after every run.
func (st *SessionTask) WithStore(s session.Store) *SessionTask {
	st.store = s
	return st
}

// SetProxyChoice 修改代理偏好。蜂窝网络模式下始终为 DIRECT。
func (st *SessionTask) SetProxyChoice(choice model.Choice) *SessionTask {
	switch {
	case st.deps.Policy.CellularMode:
		choice = model.ChoiceDirect
	case choice == "" && st.deps.Pool != nil:
		choice = st.deps.Pool.FindBestChoice()
	case choice == "":
		choice = model.ChoiceDirect
	}
	st.choice = choice
	return st
}

func (st *SessionTask) ProxyChoice() model.Choice         { return st.choice }
func (st *SessionTask) Session() *session.StorableSession { return st.sess }

func (st *SessionTask) sessionProxy() string {
	if st.sess.Data.HasProxy(st.deps.Pool) {
		return st.sess.Data.ProxyID
	}
	return ""
}

// checkPolicy 只在会话没有可用代理绑定时生效，不会访问代理池的选择逻辑。
func (st *SessionTask) checkPolicy() BuildFailure {
	if st.sessionProxy() != "" {
		return BuildOK
	}
	policy := st.deps.Policy
	if policy.ProxyPolicy == settings.PolicyAssignedOnly {
		l := logger.WithComponent("Tasker/Session")
		l.Warn().Str("task", st.name).Str("session", st.sess.UUID).Msg("No proxy assigned to session while proxy policy requires one.")
		return BuildNoAssignedProxy
	}
	if st.choice == model.ChoiceDirect && policy.ProxyPolicy != settings.PolicyAny && !policy.CellularMode {
		l := logger.WithComponent("Tasker/Session")
		l.Warn().Str("task", st.name).Str("session", st.sess.UUID).Msg("The current proxy policy does not allow a direct session connection.")
		return BuildDirectNotAllowed
	}
	if policy.ProxyPolicy == settings.PolicyAny {
		st.choice = model.ChoiceDirect
	}
	return BuildOK
}

func (st *SessionTask) importCookies(c Client) {
	c.CookieJar().ImportCookies(st.sess.Data.CookieSnapshot())
}

// exportCookies 用客户端 cookie 完整替换会话 cookie。
func (st *SessionTask) exportCookies(c Client) {
	st.sess.Data.ClearCookies()
	for _, ck := range c.CookieJar().GetCookies() {
		ck := ck
		st.sess.Data.AddOrReplaceCookie(&ck)
	}
}

// ResetSession 清空会话 cookie，同时清空当前客户端的 cookie，防止释放时被导出回来。
func (st *SessionTask) ResetSession() {
	st.sess.Data.ClearCookies()
	if c := st.Client(); c != nil {
		c.CookieJar().Clear()
	}
	l := logger.WithComponent("Tasker/Session")
	l.Info().Str("task", st.name).Str("session", st.sess.UUID).Msg("Session reset.")
}

// OnStepFail resets the session after a critical step failed.
func (st *SessionTask) OnStepFail(step Step) {
	st.NetTask.OnStepFail(step)
	if step.Critical {
		st.ResetSession()
	}
}

// OnFinish disposes the client, which exports cookies, and then saves the session.
func (st *SessionTask) OnFinish() {
	st.NetTask.OnFinish()
	if st.store == nil {
		return
	}
	if err := st.store.Save(st.sess); err != nil {
		l := logger.WithComponent("Tasker/Session")
		l.Error().Err(err).Str("session", st.sess.UUID).Msg("Failed to save session.")
	}
}
