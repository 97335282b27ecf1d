// Package ai talks to a Groq-hosted chat completion model to turn
// terse technical notes into customer-facing Turkish and to guess the
// work category of an update.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/api/internal/store"
)

const rewritePrompt = `Sen profesyonel bir proje yöneticisisin. Sana verilen teknik notu, müşterinin anlayacağı, nazik ve güven verici bir dile çevir.

Kurallar:
- Teknik terimleri basitleştir ama tamamen çıkarma
- Profesyonel ve güven verici bir ton kullan
- Müşteriye değer kattığını hissettir
- Kısa ve öz ol (1-3 cümle)
- Türkçe yaz

Örnek:
Girdi: "API endpoint fixlendi, 500 hatası gitti."
Çıktı: "Sistemdeki veri akışı sorunu giderildi. Artık tüm işlemler sorunsuz çalışıyor."`

const categoryPrompt = `Verilen güncelleme metnini analiz et ve en uygun kategoriyi belirle.

Kategoriler:
- design: UI/UX tasarım, görsel düzenlemeler, renk, font, layout değişiklikleri
- dev: Yazılım geliştirme, bug fix, API, veritabanı, backend/frontend kodlama
- marketing: Pazarlama, SEO, içerik, sosyal medya, reklam, analitik

Sadece kategori adını döndür: design, dev veya marketing`

var (
	// ErrTooShort rejects input before any network call is made.
	ErrTooShort        = errors.New("text too short")
	ErrNotConfigured   = errors.New("api key not configured")
	ErrEmptyCompletion = errors.New("empty completion")
)

// APIError carries the upstream provider's status so callers can pass
// it through instead of collapsing everything to 500.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion api returned %d: %s", e.Status, e.Message)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// ComposeResult is the outcome of the combined rewrite+classify pass.
type ComposeResult struct {
	Text     string
	Category string
}

// Rewrite turns a technical note into customer-facing Turkish.
func (c *Client) Rewrite(ctx context.Context, text string) (string, error) {
	if err := c.check(text); err != nil {
		return "", err
	}
	return c.complete(ctx, rewritePrompt, text, 0.7, 200)
}

// Classify guesses the work category of an update. Anything the model
// returns outside the known set falls back to dev.
func (c *Client) Classify(ctx context.Context, text string) (string, error) {
	if err := c.check(text); err != nil {
		return "", err
	}
	raw, err := c.complete(ctx, categoryPrompt, text, 0.3, 20)
	if err != nil {
		return "", err
	}
	category := strings.ToLower(strings.TrimSpace(raw))
	if !store.ValidCategory(category) {
		return store.CategoryDev, nil
	}
	return category, nil
}

// Compose runs the rewrite and classification concurrently. Either leg
// failing degrades gracefully: the raw text and the dev category stand
// in. Only a missing API key or short input fails the whole call.
func (c *Client) Compose(ctx context.Context, text string) (ComposeResult, error) {
	if err := c.check(text); err != nil {
		return ComposeResult{}, err
	}

	type legResult struct {
		value string
		err   error
	}
	rewriteCh := make(chan legResult, 1)
	classifyCh := make(chan legResult, 1)

	go func() {
		v, err := c.complete(ctx, rewritePrompt, text, 0.7, 200)
		rewriteCh <- legResult{v, err}
	}()
	go func() {
		v, err := c.complete(ctx, categoryPrompt, text, 0.3, 20)
		classifyCh <- legResult{v, err}
	}()

	rewrite := <-rewriteCh
	classify := <-classifyCh

	result := ComposeResult{Text: strings.TrimSpace(text), Category: store.CategoryDev}
	if rewrite.err == nil && rewrite.value != "" {
		result.Text = rewrite.value
	}
	if classify.err == nil {
		category := strings.ToLower(strings.TrimSpace(classify.value))
		if store.ValidCategory(category) {
			result.Category = category
		}
	}
	return result, nil
}

func (c *Client) check(text string) error {
	if len(strings.TrimSpace(text)) < 3 {
		return ErrTooShort
	}
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) complete(ctx context.Context, systemPrompt, userText string, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return "", fmt.Errorf("decode completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		return "", &APIError{Status: resp.StatusCode, Message: message}
	}

	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}
