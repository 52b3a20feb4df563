package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coachrelay/coachrelay/internal/models"
)

// Transport is the API surface the reconciler needs. *HTTPClient implements
// it; tests substitute a scripted double.
type Transport interface {
	Send(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error)
	History(ctx context.Context, conversationID string, page models.Page) (models.HistoryPage, error)
}

// Compile-time check that HTTPClient implements Transport.
var _ Transport = (*HTTPClient)(nil)

// Client drives one conversation: optimistic sends through the store,
// reconciled with server acknowledgements and full refreshes.
type Client struct {
	conversationID string
	transport      Transport
	store          *Store

	refreshMu sync.Mutex
}

// New creates a client for one conversation.
func New(conversationID string, transport Transport) *Client {
	return &Client{
		conversationID: conversationID,
		transport:      transport,
		store:          NewStore(),
	}
}

// SendMessage submits the text optimistically, posts it, and reconciles the
// outcome. The returned result is nil when the send failed; the local entry
// is then marked failed and can be retried.
func (c *Client) SendMessage(ctx context.Context, text string) (*models.ChatResult, error) {
	token := c.store.Submit(text)
	result, err := c.transport.Send(ctx, models.ChatRequest{
		Message:          text,
		ConversationID:   c.conversationID,
		CorrelationToken: token,
	})
	if err != nil {
		slog.Warn("client.SendMessage: send failed", "error", err, "correlationToken", token)
		c.store.Fail(token)
		return nil, err
	}
	c.store.Confirm(token, result)
	return result, nil
}

// RetryMessage resends a failed message with its original correlation token,
// so a send that actually reached the server resolves to the same durable
// pair instead of a duplicate.
func (c *Client) RetryMessage(ctx context.Context, token string) (*models.ChatResult, error) {
	content, ok := c.store.Retry(token)
	if !ok {
		return nil, fmt.Errorf("no failed message for token %s", token)
	}
	result, err := c.transport.Send(ctx, models.ChatRequest{
		Message:          content,
		ConversationID:   c.conversationID,
		CorrelationToken: token,
	})
	if err != nil {
		c.store.Fail(token)
		return nil, err
	}
	c.store.Confirm(token, result)
	return result, nil
}

// Refresh replaces the local timeline with the server's full history. At most
// one refresh is in flight: a call made while another is running coalesces
// into it and returns immediately. The generation check still guards against
// a stale fetch landing after a newer one.
func (c *Client) Refresh(ctx context.Context) error {
	if !c.refreshMu.TryLock() {
		slog.Debug("client.Refresh: refresh already in flight, coalescing")
		return nil
	}
	defer c.refreshMu.Unlock()

	generation := c.store.BeginRefresh()

	var all []models.Message
	page := models.Page{}
	for {
		history, err := c.transport.History(ctx, c.conversationID, page)
		if err != nil {
			return err
		}
		all = append(all, history.Messages...)
		if !history.HasMore {
			break
		}
		page.Offset = len(all)
	}

	if !c.store.ApplyRefresh(generation, all) {
		slog.Debug("client.Refresh: superseded by newer refresh", "generation", generation)
	}
	return nil
}

// Messages returns the current local timeline snapshot.
func (c *Client) Messages() []LocalMessage {
	return c.store.Messages()
}
