package slot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemoryStore 在内存中保存槽位绑定；配置了数据目录时每次写入都会把快照
// 原子地落盘到 slots.json，重启后恢复。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	bindings map[string]map[Index]string
}

type persistedBinding struct {
	Username   string `json:"username"`
	Slot       int    `json:"slot"`
	DatabaseID string `json:"database_id"`
}

// NewMemoryStore 创建槽位存储。dataDir 为空时只保存在内存中。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	store := &MemoryStore{bindings: make(map[string]map[Index]string)}
	if dataDir == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store.dataFile = filepath.Join(dataDir, "slots.json")
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, username string, idx Index) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[username][idx]
	return id, ok, nil
}

// Swap implements Store.
func (s *MemoryStore) Swap(_ context.Context, username string, idx Index, databaseID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.bindings[username]
	if !ok {
		slots = make(map[Index]string, 3)
		s.bindings[username] = slots
	}
	previous, had := slots[idx]
	slots[idx] = databaseID

	if err := s.persistLocked(); err != nil {
		if had {
			slots[idx] = previous
		} else {
			delete(slots, idx)
		}
		return "", false, err
	}
	return previous, had, nil
}

func (s *MemoryStore) persistLocked() error {
	if s.dataFile == "" {
		return nil
	}
	var records []persistedBinding
	for username, slots := range s.bindings {
		for idx, id := range slots {
			records = append(records, persistedBinding{Username: username, Slot: int(idx), DatabaseID: id})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Username == records[j].Username {
			return records[i].Slot < records[j].Slot
		}
		return records[i].Username < records[j].Username
	})
	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化槽位失败: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.dataFile), ".slots-*.json")
	if err != nil {
		return fmt.Errorf("创建槽位快照失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("写入槽位快照失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("写入槽位快照失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.dataFile); err != nil {
		return fmt.Errorf("替换槽位快照失败: %w", err)
	}
	return nil
}

func (s *MemoryStore) loadFromDisk() error {
	raw, err := os.ReadFile(s.dataFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取槽位快照失败: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var records []persistedBinding
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("解析槽位快照失败: %w", err)
	}
	for _, record := range records {
		idx := Index(record.Slot)
		if !idx.Valid() || record.Username == "" || record.DatabaseID == "" {
			continue
		}
		slots, ok := s.bindings[record.Username]
		if !ok {
			slots = make(map[Index]string, 3)
			s.bindings[record.Username] = slots
		}
		slots[idx] = record.DatabaseID
	}
	return nil
}
