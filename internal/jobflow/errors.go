package jobflow

import "errors"

// 工作流错误分类。HTTP 层用 errors.Is 将其映射为状态码：
// NotFound 类 → 404，越权类 → 403，冲突类 → 409。
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrUserNotFound = errors.New("user not found")
	ErrNoActiveJob  = errors.New("no active job")

	ErrOwnJob         = errors.New("cannot accept own job")
	ErrNotParticipant = errors.New("not the requester or attendee of this job")

	ErrActiveJobExists  = errors.New("user already has an active job")
	ErrAlreadyAttending = errors.New("user is already attending a job")
	ErrNotOpen          = errors.New("job is not open for acceptance")
	ErrNotAccepted      = errors.New("job has not been accepted")
	ErrAlreadyCompleted = errors.New("job is already completed")
)
