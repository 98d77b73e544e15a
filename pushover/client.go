package pushover

import (
	pushoverapi "github.com/gregdel/pushover"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/internal/config"
	"github.com/WoCha-FR/ocpp-proxy-alert/notifier"
	"github.com/WoCha-FR/ocpp-proxy-alert/utility"
)

// Client delivers alerts through the Pushover API.
type Client struct {
	app       *pushoverapi.Pushover
	recipient *pushoverapi.Recipient
}

func NewClient(conf *config.Config) (*Client, error) {
	if conf.Pushover.AppToken == "" {
		return nil, utility.Err("missed app_token parameter in Pushover configuration")
	}
	if conf.Pushover.UserKey == "" {
		return nil, utility.Err("missed user_key parameter in Pushover configuration")
	}
	client := &Client{
		app:       pushoverapi.New(conf.Pushover.AppToken),
		recipient: pushoverapi.NewRecipient(conf.Pushover.UserKey),
	}
	return client, nil
}

func (c *Client) Send(msg internal.Message) error {
	switch msg.MessageType() {
	case notifier.AlertMessageType:
		alert := msg.(*notifier.Alert)
		message := pushoverapi.NewMessageWithTitle(alert.Text, alert.Station+": "+alert.Title)
		_, err := c.app.SendMessage(message, c.recipient)
		return err
	}
	return nil
}
