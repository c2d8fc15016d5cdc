package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"helphero/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound 上报位置的用户不存在。
	ErrUserNotFound = errors.New("user not found")
	// ErrNotAttended 任务不存在或尚未被接受，没有可查询的接受者。
	ErrNotAttended = errors.New("job is not currently being attended")
	// ErrNoLocation 用户还没有上报过位置。
	ErrNoLocation = errors.New("location not set")
)

// Tracker 维护每个用户最近一次上报的位置。
//
// 每用户一行，Update 为 upsert 覆盖写，没有历史轨迹。
type Tracker struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewTracker 创建位置跟踪器。
func NewTracker(db *gorm.DB, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// Update 覆盖写入用户的当前位置。
//
// 重复上报相同坐标是幂等的。用户不存在返回 ErrUserNotFound。
func (t *Tracker) Update(ctx context.Context, userID uint, lat, lon float64) error {
	var exists int64
	if err := t.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Count(&exists).Error; err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists == 0 {
		return ErrUserNotFound
	}

	loc := model.UserLocation{
		UserID:    userID,
		Latitude:  lat,
		Longitude: lon,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"latitude", "longitude", "updated_at"}),
	}).Create(&loc).Error
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}

	t.logger.Debug("location updated", slog.Uint64("user_id", uint64(userID)))
	return nil
}

// Get 返回用户最近一次上报的位置，没有记录时返回 ErrNoLocation。
func (t *Tracker) Get(ctx context.Context, userID uint) (*model.UserLocation, error) {
	var loc model.UserLocation
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).First(&loc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoLocation
		}
		return nil, fmt.Errorf("load location: %w", err)
	}
	return &loc, nil
}

// AttendeePosition 任务接受者的当前位置。
type AttendeePosition struct {
	AttendeeID uint    `json:"attendee"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// AttendeeLocation 返回任务接受者的当前位置。
//
// 任务不存在或没有接受者返回 ErrNotAttended；
// 接受者从未上报位置返回 ErrNoLocation。
func (t *Tracker) AttendeeLocation(ctx context.Context, jobID uint) (*AttendeePosition, error) {
	var job model.Job
	err := t.db.WithContext(ctx).First(&job, jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotAttended
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.AttendeeID == nil {
		return nil, ErrNotAttended
	}

	loc, err := t.Get(ctx, *job.AttendeeID)
	if err != nil {
		return nil, err
	}
	return &AttendeePosition{
		AttendeeID: *job.AttendeeID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
	}, nil
}
