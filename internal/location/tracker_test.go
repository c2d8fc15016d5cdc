package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"helphero/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.User{}, &model.Job{}, &model.UserLocation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(db, logger), db
}

func seedUser(t *testing.T, db *gorm.DB, email string) *model.User {
	t.Helper()
	user := &model.User{Email: email, Name: email, Password: "x"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestUpdateAndGet(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := seedUser(t, db, "alice@example.com")

	if _, err := tracker.Get(ctx, user.ID); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}

	if err := tracker.Update(ctx, user.ID, 52.52, 13.40); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	loc, err := tracker.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loc.Latitude != 52.52 || loc.Longitude != 13.40 {
		t.Fatalf("location mismatch: %+v", loc)
	}

	// 覆盖写，只保留最新一条
	if err := tracker.Update(ctx, user.ID, 48.85, 2.35); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	loc, err = tracker.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loc.Latitude != 48.85 || loc.Longitude != 2.35 {
		t.Fatalf("expected overwritten location, got %+v", loc)
	}

	var count int64
	if err := db.Model(&model.UserLocation{}).Where("user_id = ?", user.ID).Count(&count).Error; err != nil {
		t.Fatalf("count locations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single row per user, got %d", count)
	}
}

func TestUpdate_Idempotent(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	user := seedUser(t, db, "alice@example.com")

	for i := 0; i < 3; i++ {
		if err := tracker.Update(ctx, user.ID, 10, 20); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
	}
	loc, err := tracker.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loc.Latitude != 10 || loc.Longitude != 20 {
		t.Fatalf("location mismatch: %+v", loc)
	}
}

func TestUpdate_UserNotFound(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if err := tracker.Update(context.Background(), 999, 1, 2); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAttendeeLocation(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()
	requester := seedUser(t, db, "alice@example.com")
	hero := seedUser(t, db, "bob@example.com")

	job := &model.Job{RequesterID: requester.ID, Name: "x"}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}

	// 未被接受的任务没有可查询的位置
	if _, err := tracker.AttendeeLocation(ctx, job.ID); !errors.Is(err, ErrNotAttended) {
		t.Fatalf("expected ErrNotAttended, got %v", err)
	}

	if err := db.Model(job).Update("attendee_id", hero.ID).Error; err != nil {
		t.Fatalf("bind attendee: %v", err)
	}

	// 接受者还没上报过位置
	if _, err := tracker.AttendeeLocation(ctx, job.ID); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}

	if err := tracker.Update(ctx, hero.ID, 52.52, 13.40); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	pos, err := tracker.AttendeeLocation(ctx, job.ID)
	if err != nil {
		t.Fatalf("AttendeeLocation failed: %v", err)
	}
	if pos.AttendeeID != hero.ID || pos.Latitude != 52.52 || pos.Longitude != 13.40 {
		t.Fatalf("position mismatch: %+v", pos)
	}
}

func TestAttendeeLocation_JobNotFound(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if _, err := tracker.AttendeeLocation(context.Background(), 404); !errors.Is(err, ErrNotAttended) {
		t.Fatalf("expected ErrNotAttended, got %v", err)
	}
}
