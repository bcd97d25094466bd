package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/ws"
)

// printer writes inbound frames as terminal lines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s "+format+"\n", append([]any{time.Now().Format("15:04:05")}, args...)...)
}

func (p *printer) notice(msg string) { p.line("* %s", msg) }

func (p *printer) reconnecting(attempt int, delay time.Duration) {
	p.line("* reconnecting (attempt %d) in %s", attempt, delay.Round(time.Millisecond))
}

func (p *printer) envelope(e ws.Envelope) {
	room := e.Str("room")
	switch e.Type {
	case ws.TypeChat:
		p.line("[%s] %s: %s", room, e.Str("user"), e.Str("message"))
	case ws.TypeSystem:
		p.line("* %s", e.Str("message"))
	case ws.TypeJoined:
		p.line("* joined %s", room)
	case ws.TypePresenceState:
		p.line("* in %s: %s", room, strings.Join(e.Strings("users"), ", "))
	case ws.TypeHistory, ws.TypeHistoryMore:
		var msgs []ws.ChatMessage
		if err := e.Field("messages", &msgs); err != nil {
			return
		}
		for _, m := range msgs {
			p.line("[%s] %s: %s (%s)", room, m.User, m.Message, m.Ts.Local().Format("Jan 2 15:04"))
		}
	case ws.TypeTyping:
		if e.Bool("isTyping") {
			p.line("* %s is typing", e.Str("user"))
		}
	case ws.TypeMessageUpdated:
		id, _ := e.Int("message_id")
		p.line("* message %d edited: %s", id, e.Str("content"))
	case ws.TypeMessageDeleted:
		id, _ := e.Int("message_id")
		p.line("* message %d deleted", id)
	case ws.TypeMemberUpdate:
		p.line("* %s updated: moderator=%t banned=%t muted=%t",
			e.Str("username"), e.Bool("is_moderator"), e.Bool("is_banned"), e.Bool("is_muted"))
	case ws.TypeError:
		msg := e.Str("message")
		if msg == "" {
			msg = e.Str("error")
		}
		p.line("! %s", msg)
	}
}
