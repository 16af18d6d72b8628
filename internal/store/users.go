package store

import (
	"context"
	"errors"
	"strings"

	"ozon1688/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrUserNotFound 表示用户不存在。
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists 表示邮箱已被注册。
	ErrUserExists = errors.New("email already exists")
)

// normalizeEmail 统一邮箱大小写与空白。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser 创建用户，邮箱已存在时返回 ErrUserExists。
func (r *Repository) CreateUser(ctx context.Context, u *model.User) error {
	u.Email = normalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.User{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserExists
		}
		return tx.Create(u).Error
	})
}

// GetUserByEmail 按邮箱查询用户。
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID 按 ID 查询用户。
func (r *Repository) GetUserByID(ctx context.Context, id uint) (*model.User, error) {
	var u model.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// EnsureAdmin 创建管理员，已存在时仅把角色提升为 admin。
//
// 参数:
//   - ctx: 上下文
//   - email: 管理员邮箱
//   - passwordHash: bcrypt 哈希（仅在新建时使用）
//
// 返回值:
//   - bool: 是否新建
//   - error: 数据库错误
func (r *Repository) EnsureAdmin(ctx context.Context, email, passwordHash string) (bool, error) {
	u, err := r.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if u.Role == model.RoleAdmin {
			return false, nil
		}
		return false, r.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ?", u.ID).
			Update("role", model.RoleAdmin).Error
	case errors.Is(err, ErrUserNotFound):
		return true, r.CreateUser(ctx, &model.User{Email: email, Password: passwordHash, Role: model.RoleAdmin})
	default:
		return false, err
	}
}
