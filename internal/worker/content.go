package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/shaiso/Serial/internal/telemetry"
)

// maxContentSize — ограничение на размер ответа провайдера контента.
const maxContentSize = 4 << 20

// ContentProvider отдаёт готовый текст эпизода.
// Если контент ещё не готов, возвращает ErrContentNotReady.
type ContentProvider interface {
	GetContent(ctx context.Context, storyID string, index int) (string, error)
}

// HTTPContentProvider — провайдер контента поверх HTTP.
//
// Запрос: GET {baseURL}/stories/{story_id}/episodes/{index}/content
//
// Ответы:
//   - 200 — текст эпизода (text/plain или JSON {"content": "..."})
//   - 404, 409, 425 — контент не готов (ErrContentNotReady)
//   - остальные — ErrContentFetch
type HTTPContentProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPContentProvider создаёт провайдер. client == nil — http.DefaultClient.
// Таймаут задаёт вызывающий через ctx.
func NewHTTPContentProvider(baseURL string, client *http.Client) *HTTPContentProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPContentProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// GetContent запрашивает контент эпизода.
func (p *HTTPContentProvider) GetContent(ctx context.Context, storyID string, index int) (string, error) {
	u := p.baseURL + "/stories/" + url.PathEscape(storyID) + "/episodes/" + strconv.Itoa(index) + "/content"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrContentFetch, err)
	}
	req.Header.Set("Accept", "text/plain, application/json")
	telemetry.FromContext(ctx).Debug("fetching episode content", "url", u)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrContentFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentSize))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrContentFetch, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusConflict, http.StatusTooEarly:
		return "", fmt.Errorf("%w: HTTP %d", ErrContentNotReady, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrContentFetch, resp.StatusCode, truncate(string(body), 200))
	}

	content := string(body)
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("%w: decode response: %v", ErrContentFetch, err)
		}
		content = payload.Content
	}

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrContentNotReady)
	}
	return content, nil
}

// StaticContentProvider — провайдер контента в памяти.
// Используется в тестах и при локальной разработке.
type StaticContentProvider struct {
	mu       sync.RWMutex
	contents map[string]string
	fallback func(storyID string, index int) (string, bool)
}

// NewStaticContentProvider создаёт пустой провайдер.
func NewStaticContentProvider() *StaticContentProvider {
	return &StaticContentProvider{contents: make(map[string]string)}
}

// NewPlaceholderContentProvider создаёт провайдер, который считает готовым
// любой эпизод. Используется, когда внешний провайдер не настроен.
func NewPlaceholderContentProvider() *StaticContentProvider {
	p := NewStaticContentProvider()
	p.fallback = func(storyID string, index int) (string, bool) {
		return fmt.Sprintf("Story %s, episode %d", storyID, index+1), true
	}
	return p
}

// Set задаёт контент эпизода.
func (p *StaticContentProvider) Set(storyID string, index int, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contents[contentKey(storyID, index)] = content
}

// GetContent возвращает контент или ErrContentNotReady.
func (p *StaticContentProvider) GetContent(ctx context.Context, storyID string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.RLock()
	content, ok := p.contents[contentKey(storyID, index)]
	p.mu.RUnlock()

	if !ok && p.fallback != nil {
		content, ok = p.fallback(storyID, index)
	}
	if !ok {
		return "", fmt.Errorf("%w: story %s episode %d", ErrContentNotReady, storyID, index)
	}
	return content, nil
}

func contentKey(storyID string, index int) string {
	return storyID + ":" + strconv.Itoa(index)
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
