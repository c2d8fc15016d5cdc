package jobflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"helphero/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Engine 实现求助任务的生命周期状态机。
//
// 状态机: Open → Accepted → Completed，Completed 为终态。
// 两条业务不变量由 Engine 而非存储层保证：
//  1. 一个用户同一时间至多有一个自己发布的进行中任务
//  2. 一个用户同一时间至多接受一个任务
//
// CreateJob / AcceptJob 属于 check-then-act 序列，必须在事务内先用
// FOR UPDATE 锁住受影响用户行再检查，否则并发调用会同时通过检查。
type Engine struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewEngine 创建工作流引擎。
func NewEngine(db *gorm.DB, logger *slog.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// CreateJobInput 创建任务的参数。
type CreateJobInput struct {
	RequesterID uint
	Description string
	Name        string
	Type        string
	Latitude    float64
	Longitude   float64
}

// Attendance 任务的出席状态快照。
type Attendance struct {
	Attended  bool `json:"attended"`
	Completed bool `json:"completed"`
}

// CreateJob 创建一个 Open 状态的新任务。
//
// 若发布者已有进行中任务（Open 或 Accepted）返回 ErrActiveJobExists。
// 检查与插入在同一事务中执行，发布者行持有 FOR UPDATE 锁，
// 并发创建时后到者会在锁上等待并观察到先到者的插入。
func (e *Engine) CreateJob(ctx context.Context, in CreateJobInput) (*model.Job, error) {
	job := &model.Job{
		RequesterID: in.RequesterID,
		Description: in.Description,
		Name:        in.Name,
		Type:        in.Type,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var requester model.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&requester, in.RequesterID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock requester: %w", err)
		}

		var active int64
		if err := tx.Model(&model.Job{}).
			Where("requester_id = ? AND completed = ?", in.RequesterID, false).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		if active > 0 {
			return ErrActiveJobExists
		}

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("job created",
		slog.Uint64("job_id", uint64(job.ID)),
		slog.Uint64("requester_id", uint64(in.RequesterID)))
	return job, nil
}

// AcceptJob 将 Open 状态的任务转为 Accepted 并绑定接受者。
//
// 返回值错误依次为：任务不存在 ErrJobNotFound，接受自己的任务 ErrOwnJob，
// 任务不在 Open 状态 ErrNotOpen / ErrAlreadyCompleted，
// 接受者已有进行中的被接任务 ErrAlreadyAttending。
// 接受者用户行与任务行均持有 FOR UPDATE 锁，见 CreateJob 的并发说明。
func (e *Engine) AcceptJob(ctx context.Context, jobID, acceptorID uint) (*model.Job, error) {
	var job model.Job

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acceptor model.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&acceptor, acceptorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock acceptor: %w", err)
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}

		// 无论任务处于什么状态，接受自己的任务都是越权而非冲突
		if job.RequesterID == acceptorID {
			return ErrOwnJob
		}
		if job.Completed {
			return ErrAlreadyCompleted
		}
		if job.AttendeeID != nil {
			return ErrNotOpen
		}

		var attending int64
		if err := tx.Model(&model.Job{}).
			Where("attendee_id = ? AND completed = ?", acceptorID, false).
			Count(&attending).Error; err != nil {
			return fmt.Errorf("count attended jobs: %w", err)
		}
		if attending > 0 {
			return ErrAlreadyAttending
		}

		if err := tx.Model(&job).Update("attendee_id", acceptorID).Error; err != nil {
			return fmt.Errorf("bind attendee: %w", err)
		}
		job.AttendeeID = &acceptorID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("job accepted",
		slog.Uint64("job_id", uint64(jobID)),
		slog.Uint64("attendee_id", uint64(acceptorID)))
	return &job, nil
}

// CompleteJob 将 Accepted 状态的任务转为终态 Completed。
//
// 仅发布者或接受者可以完成任务，其余调用者返回 ErrNotParticipant。
func (e *Engine) CompleteJob(ctx context.Context, jobID, callerID uint) (*model.Job, error) {
	var job model.Job

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}

		if !isParticipant(&job, callerID) {
			return ErrNotParticipant
		}
		if job.Completed {
			return ErrAlreadyCompleted
		}
		if job.AttendeeID == nil {
			return ErrNotAccepted
		}

		if err := tx.Model(&job).Update("completed", true).Error; err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		job.Completed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("job completed",
		slog.Uint64("job_id", uint64(jobID)),
		slog.Uint64("caller_id", uint64(callerID)))
	return &job, nil
}

// GetJob 返回任务的当前完整状态，任务不存在返回 ErrJobNotFound。
func (e *Engine) GetJob(ctx context.Context, jobID uint) (*model.Job, error) {
	var job model.Job
	if err := e.db.WithContext(ctx).First(&job, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}
	return &job, nil
}

// ActiveJobForUser 返回用户当前唯一的进行中发布任务。
//
// 没有进行中任务时返回 ErrNoActiveJob。
func (e *Engine) ActiveJobForUser(ctx context.Context, userID uint) (*model.Job, error) {
	var job model.Job
	err := e.db.WithContext(ctx).
		Where("requester_id = ? AND completed = ?", userID, false).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveJob
		}
		return nil, fmt.Errorf("load active job: %w", err)
	}
	return &job, nil
}

// Attendance 返回任务是否已被接受与是否已完成。
//
// 仅发布者或接受者可以查询，其余调用者返回 ErrNotParticipant。
// 未绑定接受者的任务永远不会报告 attended=true。
func (e *Engine) Attendance(ctx context.Context, jobID, userID uint) (Attendance, error) {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return Attendance{}, err
	}
	if !isParticipant(job, userID) {
		return Attendance{}, ErrNotParticipant
	}
	return Attendance{Attended: job.Accepted(), Completed: job.Completed}, nil
}

func isParticipant(job *model.Job, userID uint) bool {
	if job.RequesterID == userID {
		return true
	}
	return job.AttendeeID != nil && *job.AttendeeID == userID
}
