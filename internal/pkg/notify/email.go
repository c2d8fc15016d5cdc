package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"helphero/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// Configured 报告 SMTP 是否已配置。未配置时通知链路整体关闭。
func (n *EmailNotifier) Configured() bool {
	return n != nil && n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// JobAccepted 发送"任务已被接受"的邮件通知。
func (n *EmailNotifier) JobAccepted(ctx context.Context, toEmail, requesterName, jobName, attendeeName string) error {
	if !n.Configured() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "[HelpHero] Your request was accepted")

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Good news, %s!</h2>
    <p><b>%s</b> accepted your request <b>%s</b> and is on the way.</p>
    <p>You can follow their position from the app until the job is done.</p>
  </div>
</body>
</html>`, requesterName, attendeeName, jobName)
	m.SetBody("text/html", body)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("acceptance email sent", slog.String("to", toEmail))
	return nil
}
