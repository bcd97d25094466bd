package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MobasirSarkar/roomcast/internal/sched"
	"github.com/MobasirSarkar/roomcast/internal/transport"
	"github.com/MobasirSarkar/roomcast/internal/ws"
)

const (
	DefaultMaxMessages = 500
	DefaultSwitchDelay = 60 * time.Millisecond
	DefaultDebounce    = 600 * time.Millisecond
	DefaultTypingIdle  = 1500 * time.Millisecond
	DefaultTypingTTL   = 3 * time.Second
	DefaultPageSize    = 50

	maxNotices = 200
	maxDebug   = 100
)

var errNoMessageID = errors.New("message has no id")

// Sender is the outbound side of the transport.
type Sender interface {
	Send(ws.Envelope) bool
	IsOpen() bool
}

// Source is the inbound side of the transport.
type Source interface {
	OnMessage(transport.MessageHandler) func()
	OnOpen(transport.OpenHandler) func()
	OnResume(transport.ResumeHandler) func()
}

// Options configures a Handler.
type Options struct {
	Sender   Sender
	Username string

	MaxMessages int
	SwitchDelay time.Duration
	Debounce    time.Duration
	TypingIdle  time.Duration
	TypingTTL   time.Duration
	PageSize    int

	// OnChange is called with a fresh snapshot after every state change.
	OnChange func(View)
	Clock    sched.Clock
	Logger   *slog.Logger
}

// Handler is the client-side room protocol. Chat lines are rendered only
// when the server echoes them back; there is no optimistic local add.
type Handler struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	room     string
	desired  string // wanted but join not yet sent
	joining  string // join sent, joined not yet received
	messages *messageList
	present  map[string]struct{}
	typing   map[string]time.Time
	members  map[string]MemberFlags
	notices  []Notice
	debug    []DebugRecord
	hasMore  bool

	inFlight    bool
	lastPage    time.Time
	lastTrigger time.Time

	typingActive bool
	typingRoom   string

	switchTask *sched.Task
	typingTask *sched.Task
}

func NewHandler(opts Options) *Handler {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.SwitchDelay <= 0 {
		opts.SwitchDelay = DefaultSwitchDelay
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = sched.Real
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		opts:       opts,
		log:        opts.Logger.With("component", "room"),
		messages:   newMessageList(opts.MaxMessages),
		present:    make(map[string]struct{}),
		typing:     make(map[string]time.Time),
		members:    make(map[string]MemberFlags),
		switchTask: sched.NewTask(opts.Clock),
		typingTask: sched.NewTask(opts.Clock),
	}
}

// Attach subscribes the handler to a transport's events.
func (h *Handler) Attach(src Source) func() {
	offMsg := src.OnMessage(h.HandleEnvelope)
	offOpen := src.OnOpen(h.opened)
	offResume := src.OnResume(h.resume)
	return func() {
		offMsg()
		offOpen()
		offResume()
	}
}

// Room returns the joined room, or "".
func (h *Handler) Room() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

// Switch leaves the current room and joins another. The join goes out after
// SwitchDelay so the server finishes the leave first; while the transport is
// down the room is remembered and joined on the next open.
func (h *Handler) Switch(room string) {
	h.mu.Lock()
	if room == "" || (room == h.room && h.desired == "") || room == h.joining {
		h.mu.Unlock()
		return
	}
	h.stopTypingLocked()
	if old := h.room; old != "" {
		h.opts.Sender.Send(ws.LeaveRoom(old))
	}
	h.clearRoomLocked()
	h.room = ""
	h.joining = ""
	h.desired = room
	open := h.opts.Sender.IsOpen()
	h.mu.Unlock()
	h.changed()

	if !open {
		return
	}
	h.switchTask.Schedule(h.opts.SwitchDelay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.desired != room || !h.opts.Sender.IsOpen() {
			return
		}
		h.sendJoinLocked(room)
	})
}

// Leave leaves the current room without joining another.
func (h *Handler) Leave() {
	h.mu.Lock()
	h.switchTask.Cancel()
	h.stopTypingLocked()
	if h.room != "" {
		h.opts.Sender.Send(ws.LeaveRoom(h.room))
	}
	h.clearRoomLocked()
	h.room, h.desired, h.joining = "", "", ""
	h.mu.Unlock()
	h.changed()
}

// Rejoin re-sends the join for the current room on a fresh connection.
func (h *Handler) Rejoin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room == "" || h.desired != "" || h.joining != "" {
		return
	}
	h.inFlight = false
	h.sendJoinLocked(h.room)
}

// resume supplies the join that must precede any chat queued while the
// transport was down. A fresh connection is in no room, so the wanted room
// is joined again even if a join was outstanding on the old one.
func (h *Handler) resume() []ws.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	room := h.desired
	if room == "" {
		room = h.joining
	}
	if room == "" {
		room = h.room
	}
	if room == "" {
		return nil
	}
	h.switchTask.Cancel()
	h.desired = ""
	h.joining = room
	return []ws.Envelope{ws.JoinRoom(room)}
}

func (h *Handler) opened() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	if h.desired != "" {
		h.switchTask.Cancel()
		h.sendJoinLocked(h.desired)
	}
}

func (h *Handler) sendJoinLocked(room string) {
	if !h.opts.Sender.Send(ws.JoinRoom(room)) {
		h.log.Warn("join not sent", "room", room)
		return
	}
	h.desired = ""
	h.joining = room
}

// SendChat sends a chat line to the current room.
func (h *Handler) SendChat(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room == "" || text == "" {
		return false
	}
	h.stopTypingLocked()
	return h.opts.Sender.Send(ws.SendChat(h.room, text))
}

// InputActivity reports a keystroke. The first one sends typing=true; the
// state falls back to typing=false once input pauses for TypingIdle.
func (h *Handler) InputActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room == "" {
		return
	}
	if !h.typingActive {
		h.typingActive = true
		h.typingRoom = h.room
		h.opts.Sender.Send(ws.SetTyping(h.room, true))
	}
	h.typingTask.Schedule(h.opts.TypingIdle, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stopTypingLocked()
	})
}

func (h *Handler) stopTypingLocked() {
	h.typingTask.Cancel()
	if !h.typingActive {
		return
	}
	h.typingActive = false
	h.opts.Sender.Send(ws.SetTyping(h.typingRoom, false))
}

// LoadOlder requests the page before the oldest held message. Unless forced
// it is suppressed while a request is in flight, when nothing older is
// known to exist, or within Debounce of the previous page completing.
func (h *Handler) LoadOlder(force bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadOlderLocked(force)
}

func (h *Handler) loadOlderLocked(force bool) bool {
	if h.room == "" {
		return false
	}
	oldest := h.messages.oldestID()
	if oldest == 0 {
		return false
	}
	now := h.opts.Clock.Now()
	if !force {
		if h.inFlight || !h.hasMore {
			return false
		}
		if !h.lastPage.IsZero() && now.Sub(h.lastPage) < h.opts.Debounce {
			return false
		}
	}
	if !h.opts.Sender.Send(ws.RequestHistory(h.room, oldest)) {
		return false
	}
	h.inFlight = true
	return true
}

// NearOldest is the scroll signal fired when the oldest visible message
// comes into view. It triggers at most one page request per Debounce.
func (h *Handler) NearOldest() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.opts.Clock.Now()
	if !h.lastTrigger.IsZero() && now.Sub(h.lastTrigger) < h.opts.Debounce {
		return false
	}
	if !h.loadOlderLocked(false) {
		return false
	}
	h.lastTrigger = now
	return true
}

// HandleEnvelope folds one inbound envelope into the room state.
func (h *Handler) HandleEnvelope(e ws.Envelope) {
	h.mu.Lock()
	changed := h.applyLocked(e)
	h.mu.Unlock()
	if changed {
		h.changed()
	}
}

func (h *Handler) applyLocked(e ws.Envelope) bool {
	now := h.opts.Clock.Now()
	if r := e.Str("room"); r != "" && e.Type != ws.TypeJoined && e.Type != ws.TypeSystem && r != h.room {
		h.log.Debug("dropping envelope for another room", "type", e.Type, "room", r, "current", h.room)
		return false
	}

	switch e.Type {
	case ws.TypeJoined:
		room := e.Str("room")
		if room != h.room {
			h.clearRoomLocked()
		}
		h.room = room
		h.joining = ""
		h.desired = ""
		h.present = make(map[string]struct{})
		if h.opts.Username != "" {
			h.present[h.opts.Username] = struct{}{}
		}
		h.noticeLocked(Notice{Room: room, Text: "joined " + room, At: now})

	case ws.TypePresenceState:
		h.present = make(map[string]struct{})
		for _, u := range e.Strings("users") {
			h.present[u] = struct{}{}
		}

	case ws.TypePresenceDiff:
		for _, u := range e.Strings("join") {
			h.present[u] = struct{}{}
		}
		for _, u := range e.Strings("leave") {
			delete(h.present, u)
			delete(h.typing, u)
		}

	case ws.TypeTyping:
		user := e.Str("user")
		if user == "" || user == h.opts.Username {
			return false
		}
		if e.Bool("isTyping") {
			h.typing[user] = now
		} else {
			delete(h.typing, user)
		}
		h.pruneTypingLocked(now)

	case ws.TypeChat:
		var m ws.ChatMessage
		if err := decodeInto(e, &m); err != nil {
			h.log.Warn("bad chat frame", "err", err)
			return false
		}
		if m.MessageID <= 0 {
			h.log.Warn("dropping malformed chat frame", "err", errNoMessageID)
			return false
		}
		return h.messages.insert(fromWire(m)) > 0

	case ws.TypeHistory:
		msgs := h.pageLocked(e)
		h.messages.insert(msgs...)
		h.hasMore = len(msgs) >= h.opts.PageSize

	case ws.TypeHistoryMore:
		msgs := h.pageLocked(e)
		h.messages.insert(msgs...)
		h.hasMore = e.Bool("more")
		h.inFlight = false
		h.lastPage = now

	case ws.TypeMessageUpdated:
		id, ok := e.Int("message_id")
		if !ok {
			return false
		}
		return h.messages.update(id, e.Str("content"))

	case ws.TypeMessageDeleted:
		id, ok := e.Int("message_id")
		if !ok {
			return false
		}
		return h.messages.remove(id)

	case ws.TypeMemberUpdate:
		user := e.Str("username")
		if user == "" {
			return false
		}
		flags := h.members[user]
		if e.Has("is_moderator") {
			flags.Moderator = e.Bool("is_moderator")
		}
		if e.Has("is_banned") {
			flags.Banned = e.Bool("is_banned")
		}
		if e.Has("is_muted") {
			flags.Muted = e.Bool("is_muted")
		}
		h.members[user] = flags

	case ws.TypeSystem:
		h.noticeLocked(Notice{Room: e.Str("room"), Text: e.Str("message"), At: now})

	case ws.TypeError:
		text := e.Str("message")
		if text == "" {
			text = e.Str("error")
		}
		h.inFlight = false
		h.joining = ""
		h.noticeLocked(Notice{Room: h.room, Text: "error: " + text, At: now})

	case ws.TypePong:
		return false

	default:
		h.debug = append(h.debug, DebugRecord{Envelope: e, At: now})
		if len(h.debug) > maxDebug {
			h.debug = slices.Delete(h.debug, 0, len(h.debug)-maxDebug)
		}
	}
	return true
}

func (h *Handler) pageLocked(e ws.Envelope) []Message {
	var page []ws.ChatMessage
	if err := e.Field("messages", &page); err != nil {
		h.log.Warn("bad history page", "type", e.Type, "err", err)
		return nil
	}
	out := make([]Message, 0, len(page))
	dropped := 0
	for _, m := range page {
		if m.MessageID <= 0 {
			dropped++
			continue
		}
		out = append(out, fromWire(m))
	}
	if dropped > 0 {
		h.log.Warn("dropping malformed history entries", "type", e.Type, "count", dropped, "err", errNoMessageID)
	}
	return out
}

func (h *Handler) noticeLocked(n Notice) {
	h.notices = slices.Insert(h.notices, 0, n)
	if len(h.notices) > maxNotices {
		h.notices = h.notices[:maxNotices]
	}
}

func (h *Handler) pruneTypingLocked(now time.Time) {
	for u, at := range h.typing {
		if now.Sub(at) > h.opts.TypingTTL {
			delete(h.typing, u)
		}
	}
}

func (h *Handler) clearRoomLocked() {
	h.messages.reset()
	h.present = make(map[string]struct{})
	h.typing = make(map[string]time.Time)
	h.members = make(map[string]MemberFlags)
	h.hasMore = false
	h.inFlight = false
	h.lastPage = time.Time{}
	h.lastTrigger = time.Time{}
}

// Snapshot returns the current view. Typing entries older than TypingTTL
// are never reported.
func (h *Handler) Snapshot() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handler) snapshotLocked() View {
	now := h.opts.Clock.Now()
	h.pruneTypingLocked(now)
	v := View{
		Room:     h.room,
		Messages: h.messages.snapshot(),
		Present:  slices.Sorted(maps.Keys(h.present)),
		Typing:   slices.Sorted(maps.Keys(h.typing)),
		Members:  maps.Clone(h.members),
		Notices:  slices.Clone(h.notices),
		Debug:    slices.Clone(h.debug),
		OldestID: h.messages.oldestID(),
		HasMore:  h.hasMore,
		Loading:  h.inFlight,
	}
	return v
}

func (h *Handler) changed() {
	if h.opts.OnChange == nil {
		return
	}
	h.opts.OnChange(h.Snapshot())
}

func decodeInto(e ws.Envelope, dst any) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
