package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MobasirSarkar/roomcast/internal/config"
	"github.com/MobasirSarkar/roomcast/internal/logging"
	"github.com/MobasirSarkar/roomcast/internal/room"
	"github.com/MobasirSarkar/roomcast/internal/session"
	"github.com/MobasirSarkar/roomcast/internal/transport"
)

var errNoToken = errors.New("a token is required: pass --token or set " + config.Prefix + "TOKEN")

func newConnectCmd(cfg *config.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Token == "" {
				return errNoToken
			}
			log := logging.New(cmd.ErrOrStderr(), cfg.LogLevel)
			return run(*cfg, cmd.InOrStdin(), cmd.OutOrStdout(), log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.URL, "url", cfg.URL, "server websocket url")
	f.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	f.StringVar(&cfg.Username, "user", cfg.Username, "own username, used to hide own typing")
	f.StringVar(&cfg.Room, "room", cfg.Room, "room to join on start")
	f.DurationVar(&cfg.ReconnectBase, "reconnect-base", cfg.ReconnectBase, "first reconnect delay")
	f.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "reconnect delay cap")
	f.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "reconnect attempts before giving up, 0 for no limit")
	return cmd
}

func run(cfg config.Client, in io.Reader, out io.Writer, log *slog.Logger) error {
	tr := transport.New(transport.Options{
		Backoff: transport.Backoff{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.MaxAttempts,
		},
		Logger: log,
	})
	sess := session.NewContext(cfg.Token, cfg.Username)

	p := &printer{w: out}
	binder, err := session.NewBinder(session.BinderOptions{
		BaseURL:   cfg.URL,
		Session:   sess,
		Transport: tr,
		Notify:    p.notice,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer binder.Close()

	h := room.NewHandler(room.Options{
		Sender:   tr,
		Username: cfg.Username,
		Logger:   log,
	})
	defer h.Attach(tr)()
	binder.SetRejoiner(h)
	tr.OnMessage(p.envelope)
	tr.OnReconnecting(p.reconnecting)

	if err := binder.Connect(); err != nil {
		return err
	}
	defer binder.Disconnect()
	if cfg.Room != "" {
		h.Switch(cfg.Room)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case <-sig:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := command(h, p, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// command applies one input line and reports whether the client should exit.
func command(h *room.Handler, p *printer, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if !h.SendChat(line) {
			p.notice("not sent: join a room first")
		}
		return false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "join":
		if arg == "" {
			p.notice("usage: /join <room>")
			return false
		}
		h.Switch(arg)
	case "leave":
		h.Leave()
	case "more":
		if !h.LoadOlder(true) {
			p.notice("no older messages")
		}
	case "who":
		v := h.Snapshot()
		p.notice(fmt.Sprintf("%s: %s", v.Room, strings.Join(v.Present, ", ")))
	case "quit":
		return true
	default:
		p.notice("unknown command /" + name)
	}
	return false
}
