package external

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	_ NotificationProvider = (*InMemoryNotificationProvider)(nil)
	_ Fetcher              = (*InMemoryFetcher)(nil)
	_ ModelClient           = (*InMemoryModelClient)(nil)
)

// InMemoryNotificationProvider is a deterministic test double for
// NotificationProvider: each idempotency token produces the same message
// id on every call, mirroring a compliant provider's dedupe contract.
type InMemoryNotificationProvider struct {
	mu       sync.Mutex
	sent     map[string]string // token -> message id
	sendErrs map[string]error  // token -> forced error, for failure injection
	calls    map[string]int    // token -> number of Send calls observed
}

// NewInMemoryNotificationProvider returns an empty fake provider.
func NewInMemoryNotificationProvider() *InMemoryNotificationProvider {
	return &InMemoryNotificationProvider{
		sent:     make(map[string]string),
		sendErrs: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailNext forces the next Send for token to return err.
func (p *InMemoryNotificationProvider) FailNext(token string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErrs[token] = err
}

// SendCalls reports how many times Send was actually invoked for token,
// letting tests assert at-most-once delivery (P3).
func (p *InMemoryNotificationProvider) SendCalls(token string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[token]
}

func (p *InMemoryNotificationProvider) Send(ctx context.Context, payload NotificationPayload, idempotencyToken string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[idempotencyToken]++

	if err, ok := p.sendErrs[idempotencyToken]; ok {
		delete(p.sendErrs, idempotencyToken)
		return "", err
	}

	if msgID, ok := p.sent[idempotencyToken]; ok {
		return msgID, nil
	}

	msgID := fmt.Sprintf("msg-%s", idempotencyToken[:12])
	p.sent[idempotencyToken] = msgID
	return msgID, nil
}

func (p *InMemoryNotificationProvider) Lookup(ctx context.Context, idempotencyToken string) (LookupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msgID, ok := p.sent[idempotencyToken]; ok {
		return LookupResult{Delivered: true, MessageID: msgID}, nil
	}
	return LookupResult{Delivered: false}, nil
}

// InMemoryFetcher is a static test double for Fetcher.
type InMemoryFetcher struct {
	Result FetchResult
	Err    error
}

func (f *InMemoryFetcher) Fetch(ctx context.Context, changelistID string, allowList []string) (FetchResult, error) {
	return f.Result, f.Err
}

// InMemoryModelClient is a scripted test double for ModelClient.
type InMemoryModelClient struct {
	Response []byte
	Err      error
}

func (m *InMemoryModelClient) Review(ctx context.Context, prompt, diff string, deadline time.Time) ([]byte, error) {
	return m.Response, m.Err
}
