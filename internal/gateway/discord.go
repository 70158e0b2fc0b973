package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/rahul/stepwise/internal/wizard"
)

const (
	discordPrefix = "discord:"
	// Discord rejects messages longer than this.
	discordMaxLen = 2000
)

type DiscordGateway struct {
	Session    *discordgo.Session
	Dispatcher *Dispatcher
}

func NewDiscordGateway(token string, dispatcher *Dispatcher) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	dispatcher.Prefix = "!"
	dg := &DiscordGateway{Session: s, Dispatcher: dispatcher}
	s.AddHandler(dg.onMessage)
	return dg, nil
}

// Sink delivers assistant messages of Discord sessions.
func (dg *DiscordGateway) Sink() func(wizard.Event) {
	return ChatSink(discordPrefix, dg.Send)
}

// Start opens the websocket connection. Messages are handled on
// discordgo's event goroutines.
func (dg *DiscordGateway) Start() error {
	if err := dg.Session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if u := dg.Session.State.User; u != nil {
		log.Printf("Authorized on discord as %s", u.Username)
	}
	return nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	log.Printf("[%s] %s", m.Author.Username, m.Content)

	reply := dg.Dispatcher.Handle(context.Background(), discordPrefix+m.ChannelID, m.Content)
	if reply == "" {
		return
	}
	if err := dg.Send(m.ChannelID, reply); err != nil {
		log.Printf("Error sending reply: %v", err)
	}
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	for _, part := range splitMessage(text, discordMaxLen) {
		if _, err := dg.Session.ChannelMessageSend(chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}

// splitMessage cuts text into chunks of at most max runes, preferring line
// breaks.
func splitMessage(text string, max int) []string {
	r := []rune(text)
	var out []string
	for len(r) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
