// Package chat holds the in-memory message model of a widget session and
// assembles streamed assistant responses.
package chat

import (
	"strings"
	"sync"

	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

// Role of a message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation. Key is local and stable for the
// lifetime of the model; ID is the server id when known.
type Message struct {
	Key         int
	ID          protocol.ID
	Role        Role
	Content     string
	SenderType  string
	SenderEmail string
	Finalized   bool
	Draft       bool
}

// IsHuman reports whether a support agent wrote the message.
func (m Message) IsHuman() bool {
	return m.SenderType == protocol.SenderSupport
}

// AgentName is the display name of a support agent.
func (m Message) AgentName() string {
	if m.SenderEmail == "" {
		return "Support"
	}
	name, _, _ := strings.Cut(m.SenderEmail, "@")
	return name
}

// Snapshot is a copy of the model state.
type Snapshot struct {
	Messages []Message
	HasMore  bool
}

// FromHistory converts a stored server message.
func FromHistory(h protocol.HistoryMessage) Message {
	m := Message{
		ID:          h.ID,
		Role:        Role(h.Role),
		Content:     h.Content,
		SenderType:  h.SenderType,
		SenderEmail: h.SenderEmail,
		Finalized:   true,
	}
	if m.IsHuman() {
		m.Role = RoleAssistant
	}
	if m.Role == "" {
		m.Role = RoleAssistant
	}
	return m
}

// Conversation is the message model. At most one assistant message is open
// for streaming: the last message, while it is not finalized.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	nextKey  int
	draftKey int
	hasMore  bool

	onChange func(Snapshot)
}

// NewConversation creates an empty model.
func NewConversation() *Conversation {
	return &Conversation{hasMore: true}
}

// SetChangeCallback registers the observer notified after every mutation.
func (c *Conversation) SetChangeCallback(cb func(Snapshot)) {
	c.mu.Lock()
	c.onChange = cb
	c.mu.Unlock()
}

// notify must be called without c.mu held.
func (c *Conversation) notify() {
	c.mu.Lock()
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(c.Snapshot())
	}
}

func (c *Conversation) appendLocked(m Message) Message {
	c.nextKey++
	m.Key = c.nextKey
	c.messages = append(c.messages, m)
	return m
}

func (c *Conversation) indexLocked(key int) int {
	if key == 0 {
		return -1
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Key == key {
			return i
		}
	}
	return -1
}

func (c *Conversation) openLocked() int {
	n := len(c.messages)
	if n == 0 {
		return -1
	}
	last := c.messages[n-1]
	if last.Role != RoleAssistant || last.Finalized || last.IsHuman() {
		return -1
	}
	return n - 1
}

// AppendDelta adds streamed text to the open assistant message, opening a
// new one when the last message is not an open assistant message.
func (c *Conversation) AppendDelta(text string) Message {
	c.mu.Lock()
	var m Message
	if i := c.openLocked(); i >= 0 {
		c.messages[i].Content += text
		m = c.messages[i]
	} else {
		m = c.appendLocked(Message{Role: RoleAssistant, Content: text})
	}
	c.mu.Unlock()

	c.notify()
	return m
}

// Finalize freezes the open assistant message. It reports false when no
// message was open.
func (c *Conversation) Finalize() (Message, bool) {
	c.mu.Lock()
	i := c.openLocked()
	if i < 0 {
		c.mu.Unlock()
		return Message{}, false
	}
	c.messages[i].Finalized = true
	m := c.messages[i]
	c.mu.Unlock()

	c.notify()
	return m, true
}

// Add appends a finalized message of the given role.
func (c *Conversation) Add(role Role, content string) Message {
	c.mu.Lock()
	m := c.appendLocked(Message{Role: role, Content: content, Finalized: true})
	c.mu.Unlock()

	c.notify()
	return m
}

// AddHuman appends a message written by a support agent. An assistant
// message still streaming is finalized first, so later chunks start a new
// one below the agent's.
func (c *Conversation) AddHuman(content, senderEmail string, id protocol.ID) Message {
	c.mu.Lock()
	if i := c.openLocked(); i >= 0 {
		c.messages[i].Finalized = true
	}
	m := c.appendLocked(Message{
		ID:          id,
		Role:        RoleAssistant,
		Content:     content,
		SenderType:  protocol.SenderSupport,
		SenderEmail: senderEmail,
		Finalized:   true,
	})
	c.mu.Unlock()

	c.notify()
	return m
}

// ReplaceHistory discards every message and loads msgs in order.
func (c *Conversation) ReplaceHistory(msgs []protocol.HistoryMessage) {
	c.mu.Lock()
	c.messages = nil
	c.draftKey = 0
	c.hasMore = true
	for _, h := range msgs {
		c.appendLocked(FromHistory(h))
	}
	c.mu.Unlock()

	c.notify()
}

// Prepend inserts an older page before the current messages. An empty page
// marks the history as exhausted.
func (c *Conversation) Prepend(older []protocol.HistoryMessage) int {
	c.mu.Lock()
	if len(older) == 0 {
		c.hasMore = false
		c.mu.Unlock()
		c.notify()
		return 0
	}
	page := make([]Message, 0, len(older)+len(c.messages))
	for _, h := range older {
		c.nextKey++
		m := FromHistory(h)
		m.Key = c.nextKey
		page = append(page, m)
	}
	c.messages = append(page, c.messages...)
	c.mu.Unlock()

	c.notify()
	return len(older)
}

// OldestID returns the server id of the first message that has one.
func (c *Conversation) OldestID() (protocol.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.ID != "" {
			return m.ID, true
		}
	}
	return "", false
}

// HasMore reports whether older history may still be fetched.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// BeginDraft starts a live user message, or updates the current draft.
func (c *Conversation) BeginDraft(content string) Message {
	c.mu.Lock()
	if i := c.indexLocked(c.draftKey); i >= 0 {
		c.messages[i].Content = content
		m := c.messages[i]
		c.mu.Unlock()
		c.notify()
		return m
	}
	m := c.appendLocked(Message{Role: RoleUser, Content: content, Draft: true})
	c.draftKey = m.Key
	c.mu.Unlock()

	c.notify()
	return m
}

// HasDraft reports whether a draft user message exists.
func (c *Conversation) HasDraft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexLocked(c.draftKey) >= 0
}

// UpdateDraft replaces the draft text. It reports false without a draft.
func (c *Conversation) UpdateDraft(content string) bool {
	c.mu.Lock()
	i := c.indexLocked(c.draftKey)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.messages[i].Content = content
	c.mu.Unlock()

	c.notify()
	return true
}

// CommitDraft finalizes the draft with content.
func (c *Conversation) CommitDraft(content string) (Message, bool) {
	c.mu.Lock()
	i := c.indexLocked(c.draftKey)
	if i < 0 {
		c.mu.Unlock()
		return Message{}, false
	}
	c.messages[i].Content = content
	c.messages[i].Draft = false
	c.messages[i].Finalized = true
	m := c.messages[i]
	c.draftKey = 0
	c.mu.Unlock()

	c.notify()
	return m, true
}

// RemoveDraft deletes the draft message if any.
func (c *Conversation) RemoveDraft() bool {
	c.mu.Lock()
	i := c.indexLocked(c.draftKey)
	c.draftKey = 0
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
	c.mu.Unlock()

	c.notify()
	return true
}

// Clear removes every message and re-enables history paging.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.messages = nil
	c.draftKey = 0
	c.hasMore = true
	c.mu.Unlock()

	c.notify()
}

// Snapshot returns a copy of the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return Snapshot{Messages: msgs, HasMore: c.hasMore}
}

// Last returns the most recent message.
func (c *Conversation) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}
