// Package remote はjournaldのIdentity ProviderとRemote Data Storeに対するクライアントアダプターを提供する。
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hitoshi/digijournal/internal/model"
)

// TokenStore は永続化されたセッションの読み書きを行う。
// 保存されたセッションが無い場合、Loadは (nil, nil) を返す。
type TokenStore interface {
	Load() (*model.Session, error)
	Save(session *model.Session) error
	Clear() error
}

// FileTokenStore はセッションをJSONファイルとして保存する。
// ファイルはパーミッション0600で作成する。
type FileTokenStore struct {
	path string
}

// NewFileTokenStore はFileTokenStoreを生成する。
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path は保存先のパスを返す。
func (s *FileTokenStore) Path() string {
	return s.path
}

func (s *FileTokenStore) Load() (*model.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %w", err)
	}
	if session.AccessToken == "" && session.RefreshToken == "" {
		return nil, nil
	}
	return &session, nil
}

func (s *FileTokenStore) Save(session *model.Session) error {
	if session == nil {
		return s.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	// 一時ファイルに書いてからrenameし、途中で壊れたファイルを残さない
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// MemoryTokenStore はプロセス内だけでセッションを保持する。
type MemoryTokenStore struct {
	session *model.Session
}

func (s *MemoryTokenStore) Load() (*model.Session, error) {
	if s.session == nil {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

func (s *MemoryTokenStore) Save(session *model.Session) error {
	if session == nil {
		s.session = nil
		return nil
	}
	cp := *session
	s.session = &cp
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.session = nil
	return nil
}

var (
	_ TokenStore = (*FileTokenStore)(nil)
	_ TokenStore = (*MemoryTokenStore)(nil)
)
