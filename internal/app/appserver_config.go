package app

import (
	"encoding/json"

	"nettasker/internal/shared/config"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/settings"
)

var _ settings.ConfigurableModule = (*AppServer)(nil)

// Policy returns the policy handed to new tasks.
func (s *AppServer) Policy() settings.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// UpdateSettings 更新一个策略模块 ("session" 或 "proxy")，持久化并通知订阅者。
func (s *AppServer) UpdateSettings(moduleKey string, data json.RawMessage) error {
	return s.settingsManager.Update(moduleKey, data)
}

// OnSettingsUpdate 刷新策略快照。环境变量覆盖始终优先于文件中的值。
func (s *AppServer) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	p := applyPolicyEnv(s.settingsManager.Policy())
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()

	logger.Info().
		Str("module", moduleKey).
		Str("proxy_policy", string(p.ProxyPolicy)).
		Bool("allow_flagged_proxies", p.AllowFlaggedProxies).
		Bool("cellular_mode", p.CellularMode).
		Bool("debug_intercept", p.DebugIntercept).
		Msg("Policy updated.")
	return nil
}

// applyPolicyEnv 应用 TASKER_CELLULAR_MODE / TASKER_DEBUG_INTERCEPT 覆盖，不写回文件。
func applyPolicyEnv(p settings.Policy) settings.Policy {
	if v, ok := config.EnvBool("TASKER_CELLULAR_MODE"); ok {
		p.CellularMode = v
	}
	if v, ok := config.EnvBool("TASKER_DEBUG_INTERCEPT"); ok {
		p.DebugIntercept = v
	}
	return p
}
