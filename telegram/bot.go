package telegram

import (
	"log"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"

	"github.com/WoCha-FR/ocpp-proxy-alert/internal"
	"github.com/WoCha-FR/ocpp-proxy-alert/notifier"
)

// TgBot pushes alerts to chats that subscribed with /start. Subscriptions
// live in memory and are lost on restart.
type TgBot struct {
	api  *tgbotapi.BotAPI
	send chan MessageContent

	mu          sync.Mutex
	subscribers map[int64]struct{}
}

type MessageContent struct {
	ChatID int64
	Text   string
}

func NewBot(apiKey string) (*TgBot, error) {
	api, err := tgbotapi.NewBotAPI(apiKey)
	if err != nil {
		return nil, err
	}
	tgBot := &TgBot{
		api:         api,
		send:        make(chan MessageContent, 100),
		subscribers: make(map[int64]struct{}),
	}
	return tgBot, nil
}

func (b *TgBot) Start() {
	go b.sendPump()
	go b.updatesPump()
}

func (b *TgBot) updatesPump() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates, err := b.api.GetUpdatesChan(u)
	if err != nil {
		log.Printf("bot: error getting updates: %v", err)
		return
	}
	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}
		chatId := update.Message.Chat.ID
		switch update.Message.Command() {
		case "start":
			b.mu.Lock()
			b.subscribers[chatId] = struct{}{}
			b.mu.Unlock()
			b.send <- MessageContent{ChatID: chatId, Text: "You are now subscribed to proxy alerts"}
		case "stop":
			b.mu.Lock()
			delete(b.subscribers, chatId)
			b.mu.Unlock()
			b.send <- MessageContent{ChatID: chatId, Text: "Your subscription has been removed"}
		}
	}
}

func (b *TgBot) sendPump() {
	for content := range b.send {
		message := tgbotapi.NewMessage(content.ChatID, content.Text)
		message.ParseMode = tgbotapi.ModeMarkdown
		if _, err := b.api.Send(message); err != nil {
			log.Printf("bot: error sending message: %v", err)
		}
	}
}

// Send implements internal.MessageService.
func (b *TgBot) Send(msg internal.Message) error {
	switch msg.MessageType() {
	case notifier.AlertMessageType:
		alert := msg.(*notifier.Alert)
		text := "*" + alert.Station + "*: " + alert.Text
		b.mu.Lock()
		for chatId := range b.subscribers {
			select {
			case b.send <- MessageContent{ChatID: chatId, Text: text}:
			default:
			}
		}
		b.mu.Unlock()
	}
	return nil
}
