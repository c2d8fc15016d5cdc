package model

import "time"

// User 表示系统用户。
//
// Password 存储 bcrypt 哈希，注册后除凭证轮换外不可变更。用户不会被删除。
type User struct {
	ID        uint      `gorm:"primaryKey"`                    // 用户 ID
	Email     string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一，按提交原样存储并区分大小写）
	Name      string    `gorm:"type:varchar(64);not null"`     // 显示名称
	Password  string    `gorm:"not null"`                      // bcrypt 哈希
	CreatedAt time.Time // 注册时间

	Jobs []Job `gorm:"foreignKey:RequesterID"`
}
