// Package generator turns a test run request into Playwright TypeScript
// source using an OpenAI chat completion, with a deterministic smoke test as
// the fallback.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cuongbtq/testrun-service/internal/domain"
)

// Defaults applied by New
const (
	DefaultModel       = openai.GPT4o
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 2000
	DefaultTimeout     = 60 * time.Second
)

const defaultRequirements = "Basic smoke test - verify page loads, title exists, main content visible"

// placeholderKeys are sample values shipped in example env files
var placeholderKeys = map[string]bool{
	"":                    true,
	"mock-key":            true,
	"your_openai_api_key": true,
}

// Config holds generator configuration
type Config struct {
	Logger      *slog.Logger
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAI generates tests with a chat completion model
type OpenAI struct {
	logger      *slog.Logger
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// New creates a generator. Without a usable API key every call returns the fallback test.
func New(cfg *Config) *OpenAI {
	g := &OpenAI{
		logger:      cfg.Logger,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.temperature <= 0 {
		g.temperature = DefaultTemperature
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}

	if placeholderKeys[strings.TrimSpace(cfg.APIKey)] {
		g.logger.Warn("No OpenAI API key configured, using fallback test generation")
		return g
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	g.client = openai.NewClientWithConfig(clientCfg)

	return g
}

// Generate returns test source for payload. API failures fall back to the
// smoke test; only a cancelled ctx is returned as an error.
func (g *OpenAI) Generate(ctx context.Context, payload domain.Payload) (string, error) {
	if g.client == nil {
		return FallbackTest(payload.URL, payload.Prompt), nil
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(payload)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("failed to generate test: %w", ctxErr)
		}
		g.logger.Warn("OpenAI request failed, falling back to smoke test",
			slog.String("model", g.model),
			slog.Any("error", err),
		)
		return FallbackTest(payload.URL, payload.Prompt), nil
	}

	if len(resp.Choices) == 0 {
		g.logger.Warn("OpenAI returned no choices, falling back to smoke test")
		return FallbackTest(payload.URL, payload.Prompt), nil
	}

	code := cleanCode(resp.Choices[0].Message.Content)
	if code == "" {
		g.logger.Warn("OpenAI returned empty content, falling back to smoke test")
		return FallbackTest(payload.URL, payload.Prompt), nil
	}
	return code, nil
}

func userPrompt(payload domain.Payload) string {
	requirements := strings.TrimSpace(payload.Prompt)
	if requirements == "" {
		requirements = defaultRequirements
	}

	auth := "No authentication required."
	if len(payload.Credentials) > 0 {
		auth = "Authentication: Use these credentials - " + string(payload.Credentials)
	}

	return fmt.Sprintf(`Generate a Playwright test for: %s

User Requirements: %s

%s

Generate a comprehensive test that covers the user requirements. If requirements are vague, create a thorough smoke test.`,
		payload.URL, requirements, auth)
}

var fenceLine = regexp.MustCompile("(?m)^```(?:typescript|ts)?[ \t]*\n?|```[ \t]*$")

// cleanCode strips markdown fences and any prose before the first import
func cleanCode(content string) string {
	code := strings.TrimSpace(fenceLine.ReplaceAllString(content, ""))
	if !strings.HasPrefix(code, "import") {
		if i := strings.Index(code, "import"); i > 0 {
			code = code[i:]
		}
	}
	return code
}

// FallbackTest is the smoke test used when no model output is available
func FallbackTest(rawURL, prompt string) string {
	target := rawURL
	if !strings.HasPrefix(target, "http") {
		target = "https://" + target
	}
	host := target
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	requirements := strings.ReplaceAll(strings.TrimSpace(prompt), "\n", " ")

	return fmt.Sprintf(`import { test, expect } from '@playwright/test';

test('Smoke Test for %[1]s', async ({ page }) => {
  // Generated without a model
  // Requirements: %[3]s

  await page.goto('%[2]s', { waitUntil: 'domcontentloaded' });

  await expect(page).toHaveTitle(/.+/);

  const body = page.locator('body');
  await expect(body).toBeVisible();

  const mainContent = page.locator('main, article, #content, .content, [role="main"]').first();
  if (await mainContent.count() > 0) {
    await expect(mainContent).toBeVisible();
  }

  await page.waitForTimeout(1000);
  console.log('Smoke test passed for %[1]s');
});
`, host, target, requirements)
}
