package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/killallgit/chatstream/pkg/chat"
)

type memoryConversation struct {
	Conversation
	messages []chat.Message
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	convs  map[chat.ConversationID]*memoryConversation
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[chat.ConversationID]*memoryConversation),
		now:   time.Now,
	}
}

func (m *MemoryStore) CreateOrGet(ctx context.Context, id chat.ConversationID) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !id.IsZero() {
		if c, ok := m.convs[id]; ok {
			return c.Conversation, nil
		}
	} else {
		for {
			m.nextID++
			id = chat.ConversationID(strconv.FormatInt(m.nextID, 10))
			if _, taken := m.convs[id]; !taken {
				break
			}
		}
	}

	now := m.now()
	c := &memoryConversation{Conversation: Conversation{ID: id, CreatedAt: now, UpdatedAt: now}}
	m.convs[id] = c
	return c.Conversation, nil
}

func (m *MemoryStore) Append(ctx context.Context, id chat.ConversationID, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	if c.Title == "" && msg.IsUser() {
		c.Title = TitleFrom(msg.Content)
	}
	c.messages = chat.AddMessage(c.messages, msg)
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return chat.Displayable(c.messages), nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, limit, offset int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	summaries := make([]Summary, 0, len(m.convs))
	for _, c := range m.convs {
		summaries = append(summaries, Summary{Conversation: c.Conversation, MessageCount: len(c.messages)})
	}
	m.mu.RUnlock()

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return page(summaries, limit, offset), nil
}
