// Package gateway wraps the backend model instances behind streaming
// generation and batch embedding calls. Instances speak the Ollama
// HTTP protocol; which instance serves a generation is always an
// explicit endpoint argument, never shared client state.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultEmbedModel is used when no embedding model is requested.
const DefaultEmbedModel = "all-minilm"

// embedTimeout bounds a single embedding call.
const embedTimeout = 120 * time.Second

// Client talks to Ollama-protocol model instances. Generation targets
// an explicit per-call endpoint; embeddings always go to the default
// endpoint since they need no load balancing.
type Client struct {
	http            *http.Client
	defaultEndpoint string
}

// NewClient returns a Client whose embedding calls target
// defaultEndpoint. Call deadlines come from the caller's context.
func NewClient(defaultEndpoint string) *Client {
	return &Client{
		http:            &http.Client{},
		defaultEndpoint: defaultEndpoint,
	}
}

type generatePayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	System string `json:"system,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// StreamGenerate streams tokens from the instance at endpoint and
// delivers each fragment through emit. On any failure it appends one
// sentinel "[Error: ...]" token to whatever was already delivered and
// returns the error: streaming consumers keep the partial output,
// queue execution records the failure.
func (c *Client) StreamGenerate(ctx context.Context, endpoint, prompt, model, system string, emit func(token string)) error {
	payload := generatePayload{Model: model, Prompt: prompt, Stream: true, System: system}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal generate payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		err = fmt.Errorf("generate request to %s: %w", endpoint, err)
		emit(errorToken(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("generate request to %s: status %s", endpoint, resp.Status)
		emit(errorToken(err))
		return err
	}

	// Ollama streams newline-delimited JSON chunks.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
			continue
		}
		if chunk.Response != "" {
			emit(chunk.Response)
		}
		if chunk.Done {
			return nil
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("generate stream from %s: %w", endpoint, scanErr)
		emit(errorToken(err))
		return err
	}
	return nil
}

func errorToken(err error) string {
	return fmt.Sprintf("[Error: %v]", err)
}

type embedPayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns one vector per input text, in order. Texts are embedded
// one call at a time against the default endpoint.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	if model == "" {
		model = DefaultEmbedModel
	}
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		vec, err := c.embedOne(ctx, text, model)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *Client) embedOne(ctx context.Context, text, model string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := json.Marshal(embedPayload{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.defaultEndpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request: status %s", resp.Status)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	logrus.Debugf("embedded %d chars with %s (%d dims)", len(text), model, len(decoded.Embedding))
	return decoded.Embedding, nil
}
