package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"nettasker/internal/netclient"
	"nettasker/internal/shared/logger"
	"nettasker/proxypool/model"
)

// ErrNotFound is returned by Load when no document exists for the id.
var ErrNotFound = errors.New("session not found")

// Store 是会话持久化的最小接口。
type Store interface {
	Load(id string) (*StorableSession, error)
	Save(s *StorableSession) error
}

// FileStore 在目录下为每个会话保存一个 JSON 文件，文件名为 UUID。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// document 是磁盘上的格式。旧版本没有 session_data，字段直接平铺在顶层。
type document struct {
	UUID        string          `json:"uuid,omitempty"`
	SessionData json.RawMessage `json:"session_data,omitempty"`

	// legacy
	SessionID *int               `json:"session_id,omitempty"`
	Browser   *netclient.Browser `json:"browser,omitempty"`
	QCookies  []netclient.Cookie `json:"q_cookies,omitempty"`
	Proxy     *legacyProxy       `json:"proxy,omitempty"`
}

// legacyProxy 是旧版本按值保存的代理。
type legacyProxy struct {
	UUID     string `json:"uuid,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Type     string `json:"type,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (p *legacyProxy) id() string {
	if p.UUID != "" {
		return p.UUID
	}
	if p.Host == "" || p.Port <= 0 {
		return ""
	}
	protocol := "http"
	if strings.Contains(strings.ToLower(p.Type), "socks") {
		protocol = "socks5"
	}
	return model.ProxyID(p.Host, p.Port, protocol)
}

// Load reads one session. Documents written by older versions are migrated in memory;
// the migrated form is only written back on the next Save.
func (fs *FileStore) Load(id string) (*StorableSession, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked(fs.path(id))
}

func (fs *FileStore) loadLocked(path string) (*StorableSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return decode(doc, path)
}

func decode(doc document, path string) (*StorableSession, error) {
	s := &StorableSession{UUID: doc.UUID}

	if len(doc.SessionData) > 0 && string(doc.SessionData) != "null" {
		data := &SessionData{}
		if err := json.Unmarshal(doc.SessionData, data); err != nil {
			return nil, fmt.Errorf("parse session_data of %s: %w", filepath.Base(path), err)
		}
		s.Data = data
	} else {
		s.Data = migrate(doc)
	}
	if s.Data.Cookies == nil {
		s.Data.Cookies = []netclient.Cookie{}
	}

	if s.UUID == "" {
		// 没有 uuid 字段的旧文档：文件名本身是 UUID 时沿用它，保证重复读取得到同一个会话
		base := strings.TrimSuffix(filepath.Base(path), ".json")
		if _, err := uuid.Parse(base); err == nil {
			s.UUID = base
			return s, nil
		}
		// 旧版本使用 int 型 session_id，迁移时分配新的 UUID，由 List 改名保存
		s.UUID = uuid.NewString()
		l := logger.WithComponent("Session/Store")
		ev := l.Info().Str("uuid", s.UUID).Str("file", filepath.Base(path))
		if doc.SessionID != nil {
			ev = ev.Int("legacy_session_id", *doc.SessionID)
		}
		ev.Msg("Migrated legacy session to UUID.")
	}
	return s, nil
}

func migrate(doc document) *SessionData {
	data := &SessionData{}
	if doc.Browser != nil {
		data.Browser = *doc.Browser
	} else {
		data.Browser = netclient.NewBrowser(false)
	}
	for i := range doc.QCookies {
		data.AddOrReplaceCookie(&doc.QCookies[i])
	}
	if doc.Proxy != nil {
		data.ProxyID = doc.Proxy.id()
	}
	return data
}

// Save writes the session under its UUID.
func (fs *FileStore) Save(s *StorableSession) error {
	if s == nil || s.UUID == "" {
		return errors.New("session without uuid")
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	path := fs.path(s.UUID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes a session document. Missing documents are not an error.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List loads every session in the directory. Legacy documents whose file name is not a
// UUID (the int session_id era) are migrated and re-saved under their new UUID.
func (fs *FileStore) List() ([]*StorableSession, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	l := logger.WithComponent("Session/Store")
	var sessions []*StorableSession
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(fs.dir, e.Name())
		s, err := fs.loadLocked(path)
		if err != nil {
			l.Warn().Err(err).Str("file", e.Name()).Msg("Skipping unreadable session.")
			continue
		}

		base := strings.TrimSuffix(e.Name(), ".json")
		if _, parseErr := uuid.Parse(base); parseErr != nil && base != s.UUID {
			if err := fs.rewriteLocked(path, s); err != nil {
				l.Warn().Err(err).Str("file", e.Name()).Msg("Failed to persist migrated session.")
			}
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UUID < sessions[j].UUID })
	return sessions, nil
}

func (fs *FileStore) rewriteLocked(oldPath string, s *StorableSession) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(fs.path(s.UUID), raw, 0644); err != nil {
		return err
	}
	return os.Remove(oldPath)
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, filepath.Base(id)+".json")
}
