package chatsync

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
	"time"

	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// Fetcher 拉取服务端数据的接口，HTTPFetcher 为默认实现
type Fetcher interface {
	Conversations(ctx context.Context, page, pageSize int) (*proto.Page[proto.Conversation], error)
	Conversation(ctx context.Context, conversationID int64) (*proto.Conversation, error)
	Messages(ctx context.Context, conversationID, before int64, limit int) (*proto.MessagePage, error)
	Pinned(ctx context.Context, conversationID int64) ([]proto.Message, error)
}

// Sender 发送消息，Client（socket）与 HTTPFetcher（REST）都实现
type Sender interface {
	SendMessage(ctx context.Context, req proto.SendMessage) (*proto.SendMessageResult, error)
}

// HTTPFetcher 调用 /api/v1 REST 接口
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPFetcher baseURL 形如 http://host:8080/api/v1
func NewHTTPFetcher(baseURL, token string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *HTTPFetcher) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := f.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("chatsync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("chatsync: %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if env.Code != apperrors.CodeSuccess {
		return apperrors.NewError(env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func (f *HTTPFetcher) Conversations(ctx context.Context, page, pageSize int) (*proto.Page[proto.Conversation], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	var out proto.Page[proto.Conversation]
	if err := f.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFetcher) Conversation(ctx context.Context, conversationID int64) (*proto.Conversation, error) {
	var out proto.Conversation
	if err := f.do(ctx, http.MethodGet, "/conversations/"+id(conversationID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFetcher) Messages(ctx context.Context, conversationID, before int64, limit int) (*proto.MessagePage, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", id(before))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out proto.MessagePage
	if err := f.do(ctx, http.MethodGet, "/conversations/"+id(conversationID)+"/messages", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFetcher) Pinned(ctx context.Context, conversationID int64) ([]proto.Message, error) {
	var out []proto.Message
	if err := f.do(ctx, http.MethodGet, "/conversations/"+id(conversationID)+"/pinned", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search 会话内搜索
func (f *HTTPFetcher) Search(ctx context.Context, conversationID int64, query string, limit int) ([]proto.Message, error) {
	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []proto.Message
	if err := f.do(ctx, http.MethodGet, "/conversations/"+id(conversationID)+"/messages/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type sendBody struct {
	ReceiverID  int64         `json:"receiverId,string,omitempty"`
	Text        string        `json:"text,omitempty"`
	Media       []proto.Media `json:"media,omitempty"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
}

// SendMessage 有会话 ID 时发往会话，否则按 receiverId 发送
func (f *HTTPFetcher) SendMessage(ctx context.Context, req proto.SendMessage) (*proto.SendMessageResult, error) {
	body := sendBody{ReceiverID: req.ReceiverID, Text: req.Text, Media: req.Media, ClientMsgID: req.ClientMsgID}
	path := "/messages"
	if req.ConversationID > 0 {
		path = "/conversations/" + id(req.ConversationID) + "/messages"
		body.ReceiverID = 0
	}
	var out proto.SendMessageResult
	if err := f.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
