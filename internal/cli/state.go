// internal/cli/state.go
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "state.json"

// State 命令行的活动故事状态，只在命令行边界使用
type State struct {
	CurrentStory string    `json:"current_story,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateStore 读写 <state-dir>/state.json
type StateStore struct {
	path string
}

// NewStateStore 创建状态文件存取器
func NewStateStore(dir string) *StateStore {
	return &StateStore{path: filepath.Join(dir, stateFileName)}
}

// Path 状态文件路径
func (s *StateStore) Path() string {
	return s.path
}

// Load 读取状态，文件不存在时返回空状态
func (s *StateStore) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	return state, nil
}

// SetCurrent 设置活动故事
func (s *StateStore) SetCurrent(storyID string) error {
	return s.save(State{CurrentStory: storyID, UpdatedAt: time.Now().UTC()})
}

// Clear 清除活动故事
func (s *StateStore) Clear() error {
	return s.save(State{UpdatedAt: time.Now().UTC()})
}

func (s *StateStore) save(state State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
