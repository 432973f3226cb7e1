package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/testrun-service/internal/domain"
	"github.com/cuongbtq/testrun-service/shared/logger"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGenerator(baseURL string) *OpenAI {
	return New(&Config{
		Logger:  logger.Discard(),
		APIKey:  "sk-test",
		BaseURL: baseURL + "/v1",
	})
}

func TestGenerate_UsesModelOutput(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, http.StatusOK,
		"Here is your test:\n```typescript\nimport { test } from '@playwright/test';\ntest('x', async () => {});\n```", &seen)

	code, err := newGenerator(srv.URL).Generate(context.Background(), domain.Payload{
		URL:         "https://example.com/login",
		Prompt:      "log in",
		Credentials: json.RawMessage(`{"user":"demo"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "import { test } from '@playwright/test';\ntest('x', async () => {});", code)

	assert.Equal(t, "gpt-4o", seen.Model)
	assert.InDelta(t, 0.2, seen.Temperature, 0.0001)
	assert.Equal(t, 2000, seen.MaxTokens)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Contains(t, seen.Messages[1].Content, "Generate a Playwright test for: https://example.com/login")
	assert.Contains(t, seen.Messages[1].Content, "User Requirements: log in")
	assert.Contains(t, seen.Messages[1].Content, `Use these credentials - {"user":"demo"}`)
}

func TestGenerate_FallsBack(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
	}{
		{name: "api error", status: http.StatusTooManyRequests},
		{name: "empty content", status: http.StatusOK, content: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, tt.status, tt.content, nil)

			code, err := newGenerator(srv.URL).Generate(context.Background(), domain.Payload{URL: "https://shop.example.com/cart"})
			require.NoError(t, err)

			assert.Equal(t, FallbackTest("https://shop.example.com/cart", ""), code)
		})
	}
}

func TestGenerate_PlaceholderKeysSkipTheAPI(t *testing.T) {
	for _, key := range []string{"", "mock-key", "your_openai_api_key"} {
		t.Run(key, func(t *testing.T) {
			g := New(&Config{Logger: logger.Discard(), APIKey: key, BaseURL: "http://127.0.0.1:1"})

			code, err := g.Generate(context.Background(), domain.Payload{URL: "https://example.com"})
			require.NoError(t, err)
			assert.Contains(t, code, "Smoke Test for example.com")
		})
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "import x", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newGenerator(srv.URL).Generate(ctx, domain.Payload{URL: "https://example.com"})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserPrompt_DefaultRequirements(t *testing.T) {
	prompt := userPrompt(domain.Payload{URL: "https://example.com"})

	assert.Contains(t, prompt, "User Requirements: "+defaultRequirements)
	assert.Contains(t, prompt, "No authentication required.")
}

func TestCleanCode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "plain", content: "import a from 'a';", want: "import a from 'a';"},
		{name: "ts fence", content: "```ts\nimport a from 'a';\n```", want: "import a from 'a';"},
		{name: "bare fence", content: "```\nimport a from 'a';\n```\n", want: "import a from 'a';"},
		{name: "leading prose", content: "Sure! Here it is.\nimport a from 'a';", want: "import a from 'a';"},
		{name: "no import", content: "test('x', () => {});", want: "test('x', () => {});"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanCode(tt.content))
		})
	}
}

func TestFallbackTest(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		prompt   string
		wantHost string
		wantGoto string
	}{
		{name: "full url", url: "https://www.example.com/path?q=1", wantHost: "www.example.com", wantGoto: "https://www.example.com/path?q=1"},
		{name: "bare host", url: "example.org", wantHost: "example.org", wantGoto: "https://example.org"},
		{name: "multiline prompt", url: "http://localhost:3000", prompt: "a\nb", wantHost: "localhost", wantGoto: "http://localhost:3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := FallbackTest(tt.url, tt.prompt)

			assert.Contains(t, code, "test('Smoke Test for "+tt.wantHost+"'")
			assert.Contains(t, code, "await page.goto('"+tt.wantGoto+"'")
			assert.NotContains(t, code, "a\nb")
		})
	}
}
