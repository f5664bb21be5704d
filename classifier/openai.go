package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"report-verify-pipeline/resilience"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

const promptSystem = `
You are a civic issue verifier. You receive one photo submitted by a citizen together with the
title and description they typed. Decide whether the photo shows a genuine, actionable civic issue
in public space (road damage, sanitation, lighting, water) or not (selfies, screenshots, indoor
scenes, spam, explicit content).

Output a single JSON object and nothing else:
{
  "is_valid":  <true | false>,
  "category":  "<road-damage | sanitation | lighting | water | other>",
  "severity":  <integer 1-10, 10 is an immediate danger to people>,
  "rationale": "<one or two sentences citing what is visible in the photo>"
}
`

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageURL struct {
	URL string `json:"url"`
}

type imageContent struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenAIClient classifies images with the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: openAIEndpoint,
		client:   &http.Client{},
	}
}

// SourceName identifies this provider on the timeline
func (c *OpenAIClient) SourceName() string {
	return "ChatGPT"
}

// encodeImageToBase64 converts image bytes to a base64 data URL
func encodeImageToBase64(imageData []byte) string {
	mime := http.DetectContentType(imageData)
	if mime != "image/png" && mime != "image/gif" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(imageData))
}

// Classify sends the image and its context to the model. Rate limiting and
// server errors are transient; other API errors and unusable answers are
// permanent.
func (c *OpenAIClient) Classify(ctx context.Context, image []byte, hint Context) (*Result, error) {
	userText := fmt.Sprintf("Title: %s\nDescription: %s\nReporter category: %s",
		hint.Title, hint.Description, hint.Category)

	reqBody := chatRequest{
		Model: c.model,
		Messages: []message{
			{
				Role:    "system",
				Content: []any{textContent{Type: "text", Text: promptSystem}},
			},
			{
				Role: "user",
				Content: []any{
					imageContent{Type: "image_url", ImageURL: imageURL{URL: encodeImageToBase64(image)}},
					textContent{Type: "text", Text: userText},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apiErr
		}
		return nil, resilience.Permanent(apiErr)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	content, ok := chatResp.Choices[0].Message.Content.(string)
	if !ok {
		raw, err := json.Marshal(chatResp.Choices[0].Message.Content)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("failed to marshal content: %w", err))
		}
		content = string(raw)
	}

	result, err := ParseResult(content)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return result, nil
}
