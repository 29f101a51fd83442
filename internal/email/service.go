// Package email delivers transactional mail over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/cardea-security/oracle/internal/logging"
)

// Service sends verification and password-reset emails. Both senders
// are designed to be called from a goroutine; the request that
// triggered them never waits on SMTP.
type Service struct {
	smtpHost     string
	smtpPort     string
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	appBaseURL   string

	verificationTmpl *template.Template
	resetTmpl        *template.Template
}

// Config carries the SMTP and branding settings.
type Config struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	FromEmail    string
	FromName     string
	AppBaseURL   string
}

func NewService(cfg Config) *Service {
	return &Service{
		smtpHost:         cfg.SMTPHost,
		smtpPort:         cfg.SMTPPort,
		smtpUser:         cfg.SMTPUser,
		smtpPassword:     cfg.SMTPPassword,
		fromEmail:        cfg.FromEmail,
		fromName:         cfg.FromName,
		appBaseURL:       cfg.AppBaseURL,
		verificationTmpl: template.Must(template.New("verification").Parse(verificationTemplate)),
		resetTmpl:        template.Must(template.New("passwordReset").Parse(resetTemplate)),
	}
}

type templateData struct {
	Name string
	Link string
}

// SendVerificationEmail sends an email verification link to the user.
func (s *Service) SendVerificationEmail(ctx context.Context, toEmail, userName, token string) error {
	logger := logging.GetLoggerFromContext(ctx)

	link := fmt.Sprintf("%s/verify-email?token=%s", s.appBaseURL, token)

	var buf bytes.Buffer
	if err := s.verificationTmpl.Execute(&buf, templateData{Name: userName, Link: link}); err != nil {
		logger.Error("failed to render verification email", "error", err)
		return fmt.Errorf("render template: %w", err)
	}

	text := fmt.Sprintf(
		"Hi %s,\r\n\r\nWelcome to Cardea Security. Please verify your email address by opening this link:\r\n\r\n%s\r\n\r\nThe link expires in 24 hours. If you didn't create an account, you can ignore this email.\r\n",
		userName, link,
	)

	if err := s.sendEmail(toEmail, "Verify your Cardea Security account", text, buf.String()); err != nil {
		logger.Error("failed to send verification email", "email", toEmail, "error", err)
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info("verification email sent", "email", toEmail)
	return nil
}

// SendPasswordResetEmail sends a password reset link to the user.
func (s *Service) SendPasswordResetEmail(ctx context.Context, toEmail, userName, token string) error {
	logger := logging.GetLoggerFromContext(ctx)

	link := fmt.Sprintf("%s/reset-password?token=%s", s.appBaseURL, token)

	var buf bytes.Buffer
	if err := s.resetTmpl.Execute(&buf, templateData{Name: userName, Link: link}); err != nil {
		logger.Error("failed to render password reset email", "error", err)
		return fmt.Errorf("render template: %w", err)
	}

	text := fmt.Sprintf(
		"Hi %s,\r\n\r\nWe received a request to reset your Cardea Security password. Open this link to choose a new one:\r\n\r\n%s\r\n\r\nThe link expires in 1 hour. If you didn't request a reset, your password is unchanged and you can ignore this email.\r\n",
		userName, link,
	)

	if err := s.sendEmail(toEmail, "Reset your Cardea Security password", text, buf.String()); err != nil {
		logger.Error("failed to send password reset email", "email", toEmail, "error", err)
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info("password reset email sent", "email", toEmail)
	return nil
}

// sendEmail delivers a multipart/alternative message so clients that
// refuse HTML still get the link.
func (s *Service) sendEmail(to, subject, textBody, htmlBody string) error {
	auth := smtp.PlainAuth("", s.smtpUser, s.smtpPassword, s.smtpHost)

	const boundary = "cardea-boundary-1"
	msg := []byte(fmt.Sprintf(
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: multipart/alternative; boundary=%q\r\n"+
			"\r\n"+
			"--%s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n"+
			"--%s\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n"+
			"--%s--\r\n",
		s.fromName, s.fromEmail, to, subject, boundary,
		boundary, textBody,
		boundary, htmlBody,
		boundary,
	))

	addr := fmt.Sprintf("%s:%s", s.smtpHost, s.smtpPort)
	return smtp.SendMail(addr, auth, s.fromEmail, []string{to}, msg)
}

const verificationTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            color: #1f2933;
            max-width: 600px;
            margin: 0 auto;
            padding: 20px;
        }
        .header {
            background-color: #0f766e;
            color: white;
            padding: 20px;
            text-align: center;
            border-radius: 5px 5px 0 0;
        }
        .content {
            background-color: #f9fafb;
            padding: 30px;
            border-radius: 0 0 5px 5px;
        }
        .button {
            display: inline-block;
            background-color: #0f766e;
            color: white !important;
            padding: 12px 30px;
            text-decoration: none;
            border-radius: 5px;
            margin: 20px 0;
        }
        .footer {
            margin-top: 30px;
            font-size: 12px;
            color: #6b7280;
            text-align: center;
        }
    </style>
</head>
<body>
    <div class="header">
        <h1>Cardea Security</h1>
    </div>
    <div class="content">
        <h2>Verify your email address</h2>
        <p>Hi {{.Name}},</p>
        <p>Welcome to Cardea Security. Please click the button below to verify your email address and activate your account.</p>

        <a href="{{.Link}}" class="button" style="color: white !important;">Verify Email Address</a>

        <p>Or copy and paste this link into your browser:</p>
        <p style="word-break: break-all; color: #0f766e;">{{.Link}}</p>

        <p style="margin-top: 30px;">If you didn't create an account, you can safely ignore this email.</p>
    </div>
    <div class="footer">
        <p>This link will expire in 24 hours.</p>
        <p>&copy; 2026 Cardea Security. All rights reserved.</p>
    </div>
</body>
</html>
`

const resetTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            color: #1f2933;
            max-width: 600px;
            margin: 0 auto;
            padding: 20px;
        }
        .header {
            background-color: #0f766e;
            color: white;
            padding: 20px;
            text-align: center;
            border-radius: 5px 5px 0 0;
        }
        .content {
            background-color: #f9fafb;
            padding: 30px;
            border-radius: 0 0 5px 5px;
        }
        .button {
            display: inline-block;
            background-color: #0f766e;
            color: white !important;
            padding: 12px 30px;
            text-decoration: none;
            border-radius: 5px;
            margin: 20px 0;
        }
        .footer {
            margin-top: 30px;
            font-size: 12px;
            color: #6b7280;
            text-align: center;
        }
    </style>
</head>
<body>
    <div class="header">
        <h1>Cardea Security</h1>
    </div>
    <div class="content">
        <h2>Reset your password</h2>
        <p>Hi {{.Name}},</p>
        <p>We received a request to reset your password. Click the button below to choose a new one.</p>

        <a href="{{.Link}}" class="button" style="color: white !important;">Reset Password</a>

        <p>Or copy and paste this link into your browser:</p>
        <p style="word-break: break-all; color: #0f766e;">{{.Link}}</p>

        <p style="margin-top: 30px;">If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
    <div class="footer">
        <p>This link will expire in 1 hour.</p>
        <p>&copy; 2026 Cardea Security. All rights reserved.</p>
    </div>
</body>
</html>
`
