package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/transport"
	"github.com/tidwall/gjson"
)

var _ ConversationStore = &HTTPStore{}

// HTTPStore talks to the chat server's conversation endpoints.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// persistedMessage is the server's message record.
type persistedMessage struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

func (h *HTTPStore) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if err := transport.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

// unwrap returns the value under key when the server wraps its payload in an
// envelope, or the whole document otherwise.
func unwrap(data []byte, key string) []byte {
	if v := gjson.GetBytes(data, key); v.Exists() {
		return []byte(v.Raw)
	}
	return data
}

func (h *HTTPStore) CreateOrGet(ctx context.Context, id chat.ConversationID) (Conversation, error) {
	body := map[string]any{}
	if !id.IsZero() {
		body["id"] = id
	}

	data, err := h.do(ctx, http.MethodPost, "/api/conversations", body)
	if err != nil {
		return Conversation{}, err
	}

	var c Conversation
	if err := json.Unmarshal(unwrap(data, "conversation"), &c); err != nil {
		return Conversation{}, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return c, nil
}

func (h *HTTPStore) Append(ctx context.Context, id chat.ConversationID, msg chat.Message) error {
	record := persistedMessage{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Context:   msg.Context,
		Timestamp: msg.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	_, err := h.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(id.String())+"/messages", record)
	return err
}

func (h *HTTPStore) Load(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	data, err := h.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id.String())+"/messages", nil)
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(unwrap(data, "messages"))
	if !list.IsArray() {
		return nil, fmt.Errorf("failed to decode messages: expected an array")
	}

	var messages []chat.Message
	for _, v := range list.Array() {
		msg, err := decodeMessage(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
		messages = append(messages, msg)
	}
	return chat.Displayable(messages), nil
}

// decodeMessage reads a server message record. Record ids may be numbers.
func decodeMessage(v gjson.Result) (chat.Message, error) {
	var msg chat.Message
	if err := json.Unmarshal([]byte(v.Raw), &struct {
		ID json.RawMessage `json:"id"`
		*chat.Message
	}{Message: &msg}); err != nil {
		return chat.Message{}, err
	}
	msg.ID = v.Get("id").String()
	return msg, nil
}

func (h *HTTPStore) ListRecent(ctx context.Context, limit, offset int) ([]Summary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, err := h.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	summaries := []Summary{}
	if err := json.Unmarshal(unwrap(data, "conversations"), &summaries); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return summaries, nil
}
