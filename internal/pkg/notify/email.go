package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"ozon1688/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Enabled 判断 SMTP 是否已配置。
func (n *EmailNotifier) Enabled() bool {
	return n != nil && n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

// Send 发送任务结果邮件。
func (n *EmailNotifier) Send(ctx context.Context, toEmail string, s *Summary) error {
	if !n.Enabled() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(toEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject(s))
	m.SetBody("text/html", buildHTMLBody(s))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent",
		slog.String("to", toEmail),
		slog.Uint64("task_id", uint64(s.TaskID)),
		slog.String("status", string(s.Status)))
	return nil
}

func subject(s *Summary) string {
	return fmt.Sprintf("[Ozon→1688] Задача #%d: %s", s.TaskID, s.StatusLabel)
}

func buildHTMLBody(s *Summary) string {
	var rows strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&rows, "<tr><td class=\"k\">%s</td><td>%s</td></tr>\n", label, value)
	}
	row("Ссылка Ozon", fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(s.URL), html.EscapeString(s.URL)))
	row("Статус", html.EscapeString(s.StatusLabel))
	if s.SourceName != "" {
		row("Товар", html.EscapeString(s.SourceName))
	}
	if s.CandidateURL != "" {
		row("Найдено на 1688", fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(s.CandidateURL), html.EscapeString(s.CandidateTitle)))
		row("Релевантность", fmt.Sprintf("%d/100", s.Score))
	}
	if s.Profit != nil {
		row("Прибыль", "$"+s.Profit.StringFixed(2))
	}
	if s.MarginPercent != nil {
		row("Маржа", s.MarginPercent.StringFixed(2)+"%")
	}

	const template = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; border: 1px solid #e5e7eb; }
  .header { background: #005bff; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  td { padding: 6px 8px; vertical-align: top; }
  td.k { color: #6b7280; white-space: nowrap; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">Задача #%d</div>
    <div class="content"><table>
%s</table></div>
  </div>
</body>
</html>`
	return fmt.Sprintf(template, s.TaskID, rows.String())
}
