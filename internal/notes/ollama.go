package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/reconcile"
)

type ollamaGenerator struct {
	endpoint    string
	model       string
	temperature float64
	client      *http.Client
}

func NewOllamaGenerator(endpoint, model string, temperature float64, timeout time.Duration) Generator {
	if model == "" {
		model = "llama3.2:latest"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ollamaGenerator{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, transcript string, prefs Preferences) (reconcile.Note, error) {
	system, prompt := buildPrompt(transcript, prefs)
	body, err := json.Marshal(ollamaRequest{
		Model:   g.model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Format:  "json",
		Options: ollamaOptions{Temperature: g.temperature},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode ollama response: %v", ErrMalformedResult, err)
	}
	return ParseNote([]byte(out.Response))
}
