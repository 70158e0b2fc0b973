package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/stepwise/internal/wizard"
)

const telegramPrefix = "telegram:"

type TelegramGateway struct {
	Bot        *tgbotapi.BotAPI
	Dispatcher *Dispatcher
}

func NewTelegramGateway(token string, dispatcher *Dispatcher) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	dispatcher.Prefix = "/"
	return &TelegramGateway{
		Bot:        bot,
		Dispatcher: dispatcher,
	}, nil
}

// Sink delivers assistant messages of Telegram sessions.
func (tg *TelegramGateway) Sink() func(wizard.Event) {
	return ChatSink(telegramPrefix, tg.Send)
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)

		sessionID := telegramPrefix + strconv.FormatInt(update.Message.Chat.ID, 10)
		reply := tg.Dispatcher.Handle(context.Background(), sessionID, update.Message.Text)
		if reply == "" {
			continue
		}
		if _, err := tg.Bot.Send(tgbotapi.NewMessage(update.Message.Chat.ID, reply)); err != nil {
			log.Printf("Error sending reply: %v", err)
		}
	}
	return nil
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	msg := tgbotapi.NewMessage(id, text)
	_, err = tg.Bot.Send(msg)
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
