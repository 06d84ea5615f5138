package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailConfig 邮件通道配置。
type EmailConfig struct {
	Host     string   `mapstructure:"host" yaml:"host" json:"host"`
	Port     int      `mapstructure:"port" yaml:"port" json:"port"`
	Username string   `mapstructure:"username" yaml:"username" json:"username"`
	Password string   `mapstructure:"password" yaml:"password" json:"password"`
	From     string   `mapstructure:"from" yaml:"from" json:"from"`
	To       []string `mapstructure:"to" yaml:"to" json:"to"`
	Subject  string   `mapstructure:"subject" yaml:"subject" json:"subject"`
}

// Enabled 判断配置是否足以建立 SMTP 通道。
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.Port != 0 && c.From != "" && len(c.To) > 0
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, subject, body string) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	cfg  EmailConfig
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{cfg: cfg, addr: addr, auth: auth}
}

func (c *SMTPClient) Send(_ context.Context, subject, body string) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", c.cfg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(c.cfg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return smtp.SendMail(c.addr, c.auth, c.cfg.From, c.cfg.To, []byte(b.String()))
}

// EmailPusher 把通知以邮件形式推送，实现 Pusher。
type EmailPusher struct {
	cfg    EmailConfig
	sender EmailSender
}

// NewEmailPusher 创建 EmailPusher，sender 为 nil 时走真实 SMTP。
func NewEmailPusher(cfg EmailConfig, sender EmailSender) *EmailPusher {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	if cfg.Subject == "" {
		cfg.Subject = "work-assistant notice"
	}
	return &EmailPusher{cfg: cfg, sender: sender}
}

// Push 实现 Pusher，topic 进主题方便收件侧过滤。
func (p *EmailPusher) Push(ctx context.Context, topic string, payload []byte) error {
	subject := fmt.Sprintf("%s [%s]", p.cfg.Subject, topic)
	return p.sender.Send(ctx, subject, string(payload))
}
