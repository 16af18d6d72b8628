package api

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SeedAdmin 按配置创建或提升初始管理员。
//
// 未配置管理员邮箱或密码时跳过；已存在的管理员不会被修改密码。
func (s *Server) SeedAdmin(ctx context.Context) error {
	email := strings.TrimSpace(s.cfg.Security.AdminEmail)
	password := s.cfg.Security.AdminPassword
	if email == "" || password == "" {
		s.logger.Info("admin seed skipped: credentials not configured")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	created, err := s.users.EnsureAdmin(ctx, email, string(hash))
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("admin user created", slog.String("email", email))
	}
	return nil
}
