package notify

import "context"

// Notifier 定义通知接口。
type Notifier interface {
	// JobAccepted 通知发布者其求助任务已被接受。
	//
	// 参数:
	//   ctx: 上下文
	//   toEmail: 发布者邮箱
	//   requesterName: 发布者显示名称
	//   jobName: 任务标题
	//   attendeeName: 接受者显示名称
	JobAccepted(ctx context.Context, toEmail, requesterName, jobName, attendeeName string) error
}
