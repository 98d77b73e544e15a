package mailer

import (
	"gopkg.in/gomail.v2"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/notifier"
)

// Mailer delivers alerts over SMTP.
type Mailer struct {
	conf   *config.Config
	dialer *gomail.Dialer
}

func NewMailer(conf *config.Config) *Mailer {
	return &Mailer{
		conf:   conf,
		dialer: gomail.NewDialer(conf.Email.Host, conf.Email.Port, conf.Email.User, conf.Email.Password),
	}
}

func (m *Mailer) Send(msg internal.Message) error {
	switch msg.MessageType() {
	case notifier.AlertMessageType:
		alert := msg.(*notifier.Alert)
		mail := gomail.NewMessage()
		mail.SetHeader("From", m.conf.Email.From)
		mail.SetHeader("To", m.conf.Email.To)
		mail.SetHeader("Subject", alert.Station+": "+alert.Title)
		mail.SetBody("text/plain", alert.Text+"\r\n\r\n"+alert.Time)
		return m.dialer.DialAndSend(mail)
	}
	return nil
}
