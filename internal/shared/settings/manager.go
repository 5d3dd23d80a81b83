package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// FileName is the policy document kept in the data directory.
const FileName = ".session_config.json"

var (
	// ErrUnknownModule is returned by Update for a module key other than "session" or "proxy".
	ErrUnknownModule = errors.New("unknown settings module")
	// ErrInvalidSettings is returned by Update when the module JSON cannot be parsed.
	ErrInvalidSettings = errors.New("invalid settings")
)

// SettingsManager 是策略配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和更新。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // 存储一个 *RuntimeSettings 指针，用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 用于保护 subscribers map 和文件写入操作
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// filePath 为空时仅在内存中使用默认配置。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// load 从磁盘加载配置文件。文件不存在时写入一份默认配置。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("Policy settings not found, creating with default values.")
		settings = createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse %s: %w", sm.filePath, err)
		}
		// 旧文件可能缺少新模块，读取时补齐
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前配置的一个快照。此操作是无锁的。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Policy returns the flattened policy of the current snapshot.
func (sm *SettingsManager) Policy() Policy {
	return sm.Get().Policy()
}

// Update 接收一个模块的原始 JSON 数据，原子性地更新内存中的配置、持久化到磁盘，
// 并同步通知所有相关订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()

	newSettings := deepCopy(sm.Get())

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: module %s: %v", ErrInvalidSettings, moduleKey, err)
	}
	ensureDefaultModules(newSettings)

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			sm.mu.Unlock()
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)
	subscribers := append([]ConfigurableModule(nil), sm.subscribers[moduleKey]...)
	sm.mu.Unlock()

	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, targetModule); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
	return nil
}

// persist 将完整的配置结构体写入文件。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Session != nil {
		sessionCopy := *s.Session
		newS.Session = &sessionCopy
	}
	if s.Proxy != nil {
		proxyCopy := *s.Proxy
		newS.Proxy = &proxyCopy
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case "session":
		return s.Session
	case "proxy":
		return s.Proxy
	default:
		return nil
	}
}
