package model

import "time"

// 用户角色
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User 表示提交任务的用户（任务的 owner）。
type User struct {
	ID        uint      `gorm:"primaryKey"`                    // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一），也用于结果通知
	Password  string    `gorm:"not null"`                      // bcrypt 哈希
	Role      string    `gorm:"type:varchar(16);default:user"` // 角色: admin / user
	CreatedAt time.Time // 创建时间

	Tasks []Task `gorm:"foreignKey:UserID"`
}
