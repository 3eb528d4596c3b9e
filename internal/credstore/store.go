package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
)

// ErrNotFound 槽位不存在
var ErrNotFound = errors.New("credstore: not found")

// 持久化槽位：访问凭证、刷新凭证、缓存的用户资料
const (
	slotAccessToken  = "access_token"
	slotRefreshToken = "refresh_token"
	slotProfile      = "profile"
)

// Store 设备本地的持久化键值槽位，进程启动时读取用于恢复登录态，
// 登录成功时写入，登出或刷新不可恢复失败时清除
type Store struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open 打开（或创建）指定路径的本地存储
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open credstore at %s: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close 关闭底层存储
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) set(key string, val []byte) error {
	return s.db.Set([]byte(key), val, pebble.Sync)
}

// SaveTokens 写入凭证对
func (s *Store) SaveTokens(accessToken, refreshToken string) error {
	if err := s.set(slotAccessToken, []byte(accessToken)); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if err := s.set(slotRefreshToken, []byte(refreshToken)); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// Tokens 读取凭证对，任一槽位缺失返回 ErrNotFound
func (s *Store) Tokens() (accessToken, refreshToken string, err error) {
	access, err := s.get(slotAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err := s.get(slotRefreshToken)
	if err != nil {
		return "", "", err
	}
	return string(access), string(refresh), nil
}

// SaveProfile 缓存用户资料
func (s *Store) SaveProfile(user *model.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return s.set(slotProfile, data)
}

// Profile 读取缓存的用户资料
func (s *Store) Profile() (*model.User, error) {
	data, err := s.get(slotProfile)
	if err != nil {
		return nil, err
	}
	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &user, nil
}

// Clear 清除全部槽位（登出 / 刷新不可恢复失败）
func (s *Store) Clear() error {
	batch := s.db.NewBatch()
	for _, key := range []string{slotAccessToken, slotRefreshToken, slotProfile} {
		if err := batch.Delete([]byte(key), nil); err != nil {
			batch.Close()
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear credstore: %w", err)
	}
	s.logger.Info("Credential store cleared")
	return nil
}
