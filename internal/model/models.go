package model

import (
	"time"
)

// Job 表示一条求助请求。
//
// 发布者（Requester）创建后其他用户可以接受并前往现场。
// "已接受" 不单独存储：AttendeeID 非空即为已接受，避免双份事实来源。
// 状态机: Open（初始）→ Accepted → Completed（终态）。
type Job struct {
	ID        uint      `gorm:"primaryKey"` // 任务唯一标识
	CreatedAt time.Time // 创建时间

	RequesterID uint  `gorm:"not null;index"`         // 发布者用户 ID（创建时设定，不可变）
	Requester   User  `gorm:"foreignKey:RequesterID"` // 发布者
	AttendeeID  *uint `gorm:"index"`                  // 接受者用户 ID（接受时设定一次，未接受为 NULL）
	Attendee    *User `gorm:"foreignKey:AttendeeID"`  // 接受者

	Completed bool `gorm:"not null;default:false"` // 终态标记，置位后不再变更

	Description string  `gorm:"type:varchar(512);not null"` // 求助内容描述
	Name        string  `gorm:"type:varchar(128);not null"` // 简短标题
	Type        string  `gorm:"type:varchar(64);not null"`  // 自由文本分类
	Latitude    float64 `gorm:"not null"`                   // 纬度（十进制度）
	Longitude   float64 `gorm:"not null"`                   // 经度（十进制度）
}

// Accepted 报告任务是否已被接受（由 AttendeeID 派生）。
func (j *Job) Accepted() bool {
	return j.AttendeeID != nil
}

// Active 报告任务是否仍在进行中（Open 或 Accepted）。
func (j *Job) Active() bool {
	return !j.Completed
}

// UserLocation 表示用户最近一次上报的位置。
//
// 每个用户至多一行，更新采用 upsert 覆盖，不保留历史轨迹。
type UserLocation struct {
	ID        uint      `gorm:"primaryKey"`         // 内部 ID
	UserID    uint      `gorm:"not null;uniqueIndex"` // 所属用户 ID（唯一）
	User      User      `gorm:"foreignKey:UserID"`  // 所属用户
	Latitude  float64   `gorm:"not null"`           // 纬度（十进制度）
	Longitude float64   `gorm:"not null"`           // 经度（十进制度）
	UpdatedAt time.Time // 最近上报时间
}
