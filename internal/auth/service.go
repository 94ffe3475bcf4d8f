package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"ControlAgent/pkg/logger"
)

// bcryptCost 可在测试中调低以加快哈希。
var bcryptCost = bcrypt.DefaultCost

// Service 是凭据闸门：根据用户目录校验用户名与密码。
type Service struct {
	store Store
	audit *slog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService 构造凭据闸门，并把配置中的种子账号写入支持 SeedWriter 的存储。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential gate requires a user store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
				}
			}
		}
	}
	return &Service{store: store, audit: logger.Audit()}, nil
}

// Verify 校验凭据。未知用户、密码错误与被禁用的账号都返回 ErrInvalidCredentials，
// 调用方无法区分三者。存储故障原样返回（包装后）。
func (s *Service) Verify(ctx context.Context, username, password string) error {
	if s == nil || s.store == nil {
		return errors.New("credential gate is not configured")
	}
	username = strings.TrimSpace(username)

	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return fmt.Errorf("查询用户失败: %w", err)
		}
		// 与真实用户走同样耗时的比较，避免通过响应时间枚举用户名。
		_ = bcrypt.CompareHashAndPassword(s.fallbackHash(), []byte(password))
		s.reject(username, "unknown_user")
		return ErrInvalidCredentials
	}
	if !verifyPassword(user.PasswordHash, password) {
		s.reject(username, "password_mismatch")
		return ErrInvalidCredentials
	}
	if user.Disabled {
		s.reject(username, "disabled")
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) reject(username, reason string) {
	audit := s.audit
	if audit == nil {
		audit = logger.Audit()
	}
	audit.Warn("credential_rejected", "user", username, "reason", reason)
}

func (s *Service) fallbackHash() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("controlagent-placeholder"), bcryptCost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

// HashPassword 对给定的密码进行 bcrypt 哈希处理并返回哈希值。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// verifyPassword 验证给定的密码是否与哈希值匹配。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
