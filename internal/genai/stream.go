package genai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
)

const (
	ssePrefix   = "data:"
	sseDone     = "[DONE]"
	maxSSELine  = 1 << 20
	streamsPath = "chat/completions"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// DemuxStream reads newline-delimited "data: {...}" frames from r, calling
// onDelta for each choices[0].delta.content fragment. Non-JSON frames and the
// [DONE] sentinel are skipped. It returns the concatenated content.
func DemuxStream(r io.Reader, onDelta func(string)) (string, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefix))
		if payload == "" || payload == sseDone {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("DemuxStream: skipping non-JSON frame", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("stream read failed: %w", err)
	}
	return full.String(), nil
}

// Stream performs a streaming completion, forwarding each text delta to
// onDelta, and returns the full text. Tools are never sent on this path.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if c == nil || c.raw == nil {
		return "", ErrMissingAPIKey
	}
	req.ToolsEnabled = false
	slog.Debug("Client.Stream: starting stream", "model", c.model, "historyLen", len(req.History))

	var resp *http.Response
	if err := c.raw.Post(ctx, streamsPath, c.params(req), &resp, option.WithJSONSet("stream", true)); err != nil {
		slog.Error("Client.Stream: request failed", "error", err, "kind", Classify(err))
		return "", fmt.Errorf("streaming completion failed: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return "", ErrNoChoicesReturned
	}
	defer resp.Body.Close()

	text, err := DemuxStream(resp.Body, onDelta)
	if err != nil {
		slog.Warn("Client.Stream: stream interrupted", "error", err, "receivedLen", len(text))
		return text, err
	}
	slog.Debug("Client.Stream: stream complete", "textLen", len(text))
	return text, nil
}
