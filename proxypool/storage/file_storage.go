package storage

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"nettasker/internal/shared/logger"
	"nettasker/proxypool/model"
)

const (
	delimiter = "|"
	// ID|IP|Port|Protocol|Username|Password|Category|MaxConnections|Source|Country|State|Latency|LastChecked|NextChecked|FailureCount|SuccessCount
	numFields = 16
)

// Storage 接口定义了代理数据持久化的行为。
type Storage interface {
	Load() (map[string]*model.ProxyRecord, error)
	Save(proxies map[string]*model.ProxyRecord) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 占用账本是进程内状态，不会被持久化。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载代理数据到内存 map 中。
func (fs *FileStorage) Load() (map[string]*model.ProxyRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return make(map[string]*model.ProxyRecord), nil
		}
		return nil, err
	}
	defer file.Close()

	proxyMap := make(map[string]*model.ProxyRecord)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
			continue
		}

		p, err := parseProxyRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy record from line, skipping.")
			continue
		}
		proxyMap[p.ID] = p
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(proxyMap)).Msg("Successfully loaded proxies from file.")
	return proxyMap, nil
}

// Save 将内存中的代理 map 持久化到纯文本文件。
func (fs *FileStorage) Save(proxies map[string]*model.ProxyRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	proxyList := make([]*model.ProxyRecord, 0, len(proxies))
	for _, p := range proxies {
		proxyList = append(proxyList, p)
	}

	sort.Slice(proxyList, func(i, j int) bool {
		return proxyList[i].ID < proxyList[j].ID
	})

	var sb strings.Builder
	for _, p := range proxyList {
		sb.WriteString(formatProxyRecord(p))
		sb.WriteString("\n")
	}

	// 先写临时文件再重命名，避免进程中断时留下半个文件
	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.filePath); err != nil {
		return err
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(proxyList)).Msg("Saved proxies to file.")
	return nil
}

// formatProxyRecord 将 ProxyRecord 格式化为一行文本。
func formatProxyRecord(p *model.ProxyRecord) string {
	return strings.Join([]string{
		p.ID,
		p.IP,
		strconv.Itoa(p.Port),
		p.Protocol,
		p.Username,
		p.Password,
		string(p.Category),
		strconv.Itoa(p.MaxConnections),
		p.Source,
		p.Country, // Scraper is responsible for cleaning this field.
		p.State.String(),
		strconv.FormatInt(p.Latency.Milliseconds(), 10),
		strconv.FormatInt(unixOrZero(p.LastChecked), 10),
		strconv.FormatInt(unixOrZero(p.NextChecked), 10),
		strconv.Itoa(p.FailureCount),
		strconv.Itoa(p.SuccessCount),
	}, delimiter)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// parseProxyRecord 从字符串切片解析出一个 ProxyRecord 对象。
func parseProxyRecord(fields []string) (*model.ProxyRecord, error) {
	if fields[0] == "" {
		return nil, fmt.Errorf("empty id")
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	maxConns, err := strconv.Atoi(fields[7])
	if err != nil {
		return nil, fmt.Errorf("invalid max_connections: %w", err)
	}

	latencyMs, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}

	lastCheckedUnix, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}

	nextCheckedUnix, err := strconv.ParseInt(fields[13], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid next_checked: %w", err)
	}

	failureCount, err := strconv.Atoi(fields[14])
	if err != nil {
		return nil, fmt.Errorf("invalid failure_count: %w", err)
	}

	successCount, err := strconv.Atoi(fields[15])
	if err != nil {
		return nil, fmt.Errorf("invalid success_count: %w", err)
	}

	p := &model.ProxyRecord{
		ID:             fields[0],
		IP:             fields[1],
		Port:           port,
		Protocol:       fields[3],
		Username:       fields[4],
		Password:       fields[5],
		Category:       model.Choice(fields[6]),
		MaxConnections: maxConns,
		Source:         fields[8],
		Country:        fields[9],
		State:          model.ParseState(fields[10]),
		Latency:        time.Duration(latencyMs) * time.Millisecond,
		FailureCount:   failureCount,
		SuccessCount:   successCount,
	}

	if lastCheckedUnix > 0 {
		p.LastChecked = time.Unix(lastCheckedUnix, 0)
	}
	if nextCheckedUnix > 0 {
		p.NextChecked = time.Unix(nextCheckedUnix, 0)
	}

	return p, nil
}
