package api

import (
	"context"
	"errors"

	"helphero/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedDemoData 初始化演示数据：一个演示用户和一条待接的求助任务。
func (s *Server) SeedDemoData(ctx context.Context) error {
	const demoEmail = "demo@helphero.app"
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", demoEmail).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte("demo-hero"), bcrypt.DefaultCost)
		if hashErr != nil {
			return hashErr
		}
		user = model.User{
			Email:    demoEmail,
			Name:     "Demo Hero",
			Password: string(hash),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("requester_id = ? AND completed = ?", user.ID, false).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	job := model.Job{
		RequesterID: user.ID,
		Name:        "Carry groceries upstairs",
		Type:        "errand",
		Description: "Two bags, third floor, no elevator.",
		Latitude:    52.520008,
		Longitude:   13.404954,
	}
	return s.db.WithContext(ctx).Create(&job).Error
}
