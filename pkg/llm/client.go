// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ragchat-go/internal/config"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Client defines the interface for an LLM client.
type Client interface {
	// Chat 发起一次非流式补全，返回完整文本。标记器用它做单次分类调用。
	Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChat 发起一次流式补全，返回拉取式的增量流。
	// 调用方逐个 Recv 增量分片，读到 io.EOF 表示流结束。
	StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (*Stream, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the config.
func NewClient(cfg config.LLMConfig) Client {
	return &openAIClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// buildRequest 组装请求体，生成参数优先取传参，其次取全局配置。
func (c *openAIClient) buildRequest(messages []Message, gen *GenerationParams, stream bool) chatRequest {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		return reqBody
	}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}
	return reqBody
}

func (c *openAIClient) doRequest(ctx context.Context, reqBody chatRequest, accept string) (*http.Response, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// Chat 发起一次非流式补全。
func (c *openAIClient) Chat(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	resp, err := c.doRequest(ctx, c.buildRequest(messages, gen, false), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamChat 发起一次流式补全，返回增量流。
func (c *openAIClient) StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (*Stream, error) {
	resp, err := c.doRequest(ctx, c.buildRequest(messages, gen, true), "text/event-stream")
	if err != nil {
		return nil, err
	}
	return &Stream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Stream 是对上游 SSE 响应体的拉取式封装。
// 每次 Recv 阻塞读取下一个内容增量；不额外起 goroutine，
// 控制权在两次 Recv 之间交还给调用方，由传输层决定节奏。
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Recv 返回下一个内容增量；流结束返回 io.EOF。
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if err == io.EOF {
				return "", io.EOF
			}
			return "", fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		// 空增量（如角色帧）不值得吐给上层
		if chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

// Close 关闭底层响应体。
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
