package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MobasirSarkar/roomcast/internal/transport"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

var ErrNoCredential = errors.New("session: no credential")

// Transport is the part of transport.Client the binder drives.
type Transport interface {
	Connect()
	Disconnect()
	State() transport.State
	SetTarget(func() (string, error))
	OnOpen(transport.OpenHandler) func()
	OnClose(transport.CloseHandler) func()
}

// Rejoiner restores room membership after an unexpected reconnect.
type Rejoiner interface {
	Rejoin()
}

type swapKind int

const (
	swapNone swapKind = iota
	swapPending
)

// targetSwap is either none or a target waiting for the live connection to
// close on its own.
type targetSwap struct {
	kind swapKind
	url  string
}

// BinderOptions configures a Binder.
type BinderOptions struct {
	BaseURL   string
	Session   *Context
	Transport Transport
	Rejoiner  Rejoiner
	// Notify receives short user-facing notices about unexpected drops.
	Notify func(string)
	Logger *slog.Logger
}

// Binder keeps the transport's target in step with the session credential.
type Binder struct {
	base     string
	sess     *Context
	tr       Transport
	rejoiner Rejoiner
	notify   func(string)
	log      *slog.Logger

	mu            sync.Mutex
	target        string
	swap          targetSwap
	userInitiated bool
	dropped       bool
	unsubs        []func()
}

// NewBinder installs itself as the transport's target resolver and starts
// following credential changes.
func NewBinder(opts BinderOptions) (*Binder, error) {
	if opts.Session == nil || opts.Transport == nil {
		return nil, errors.New("session: binder needs a session and a transport")
	}
	base, err := ws.NormalizeURL(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("session: base url: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Binder{
		base:     base,
		sess:     opts.Session,
		tr:       opts.Transport,
		rejoiner: opts.Rejoiner,
		notify:   opts.Notify,
		log:      opts.Logger.With("component", "session"),
	}
	if tok := opts.Session.Token(); tok != "" {
		if b.target, err = ws.WithToken(base, tok); err != nil {
			return nil, err
		}
	}
	b.tr.SetTarget(b.Target)
	b.unsubs = append(b.unsubs,
		b.sess.OnChange(b.credentialChanged),
		b.tr.OnOpen(b.opened),
		b.tr.OnClose(b.closed),
	)
	return b, nil
}

// SetRejoiner wires the room handler after construction.
func (b *Binder) SetRejoiner(r Rejoiner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejoiner = r
}

// Target resolves the url for a connection attempt. Any attempt means the
// previous connection is gone, so a deferred swap is applied here.
func (b *Binder) Target() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.swap.kind == swapPending {
		b.target = b.swap.url
		b.swap = targetSwap{}
		b.log.Debug("applied deferred credential swap")
	}
	if b.target == "" {
		return "", ErrNoCredential
	}
	return b.target, nil
}

// Connect opens the connection if a credential is present.
func (b *Binder) Connect() error {
	b.mu.Lock()
	has := b.target != "" || b.swap.kind == swapPending
	b.userInitiated = false
	b.mu.Unlock()
	if !has {
		return ErrNoCredential
	}
	b.tr.Connect()
	return nil
}

// Disconnect is a user-initiated close: no notice, no automatic rejoin.
func (b *Binder) Disconnect() {
	b.mu.Lock()
	b.userInitiated = true
	b.dropped = false
	b.mu.Unlock()
	b.tr.Disconnect()
}

// Close detaches the binder from the session and transport.
func (b *Binder) Close() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// UserInitiated reports whether the last disconnect was requested locally.
func (b *Binder) UserInitiated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userInitiated
}

// PendingTarget returns the deferred target, if any.
func (b *Binder) PendingTarget() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swap.url, b.swap.kind == swapPending
}

func (b *Binder) credentialChanged(token string) {
	if token == "" {
		b.mu.Lock()
		b.target = ""
		b.swap = targetSwap{}
		b.userInitiated = true
		b.dropped = false
		b.mu.Unlock()
		b.log.Info("credential cleared, disconnecting")
		b.tr.Disconnect()
		return
	}

	next, err := ws.WithToken(b.base, token)
	if err != nil {
		b.log.Error("building target", "err", err)
		return
	}
	state := b.tr.State()

	b.mu.Lock()
	hadTarget := b.target != ""
	switch state {
	case transport.StateOpen, transport.StateConnecting:
		b.swap = targetSwap{kind: swapPending, url: next}
		b.mu.Unlock()
		b.log.Debug("credential rotated, swap deferred until close")
		return
	default:
		b.target = next
		b.swap = targetSwap{}
	}
	reconnect := !hadTarget && state == transport.StateClosed
	if reconnect {
		b.userInitiated = false
	}
	b.mu.Unlock()

	if reconnect {
		b.tr.Connect()
	}
}

func (b *Binder) opened() {
	b.mu.Lock()
	wasDropped := b.dropped
	b.dropped = false
	r := b.rejoiner
	b.mu.Unlock()
	if !wasDropped {
		return
	}
	if b.notify != nil {
		b.notify("reconnected")
	}
	if r != nil {
		r.Rejoin()
	}
}

func (b *Binder) closed(info transport.CloseInfo) {
	b.mu.Lock()
	if info.Manual || b.userInitiated {
		b.mu.Unlock()
		return
	}
	b.dropped = true
	b.mu.Unlock()
	if b.notify != nil {
		b.notify("connection lost, reconnecting")
	}
}
