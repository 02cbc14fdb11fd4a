package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"LumiCreate-server/config"
)

// 外部生成引擎的抽象。接口化使执行器可被假实现驱动测试，
// HTTP 实现对应 config.yaml 里配置的各家服务。

// TextEvent 流式文本生成的一个事件
type TextEvent struct {
	Chunk    string
	Progress int
	Err      error
	Done     bool
}

// TextGenerator LLM 文案生成
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// GenerateStream 逐块返回生成内容，通道在结束或出错后关闭
	GenerateStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan TextEvent, error)
}

// StyleParams 图片生成的风格参数
type StyleParams struct {
	Engine string
	Style  string
	Width  int
	Height int
	Seed   int64
}

// ImageCandidate 一张生成的候选图
type ImageCandidate struct {
	Data   []byte
	Seed   int64
	Engine string
	Width  int
	Height int
}

// ImageGenerator 文生图
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, style StyleParams) (*ImageCandidate, error)
}

// SpeechResult TTS 产物
type SpeechResult struct {
	Data       []byte
	DurationMs int
	Format     string
}

// SpeechSynthesizer 文本转语音
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string, params SpeechParams) (*SpeechResult, error)
}

type SpeechParams struct {
	Voice      string
	Lang       string
	SampleRate int
	Format     string
	Speed      float64
}

// ---- LLM（OpenAI 兼容接口，deepseek 等） ----

type LLMClient struct {
	Endpoint string
	APIKey   string
	Model    string
	HTTP     *http.Client
}

func NewLLMClient() *LLMClient {
	return &LLMClient{
		Endpoint: config.AppConfig.AI.TextAPI,
		APIKey:   config.AppConfig.AI.TextKey,
		Model:    "deepseek-chat",
		HTTP:     &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

func (c *LLMClient) doRequest(ctx context.Context, body chatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("文本生成请求失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("文本生成状态码 %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *LLMClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.doRequest(ctx, chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var data struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("解析文本生成响应失败: %w", err)
	}
	if len(data.Choices) == 0 {
		return "", fmt.Errorf("文本生成响应为空")
	}
	return data.Choices[0].Message.Content, nil
}

// GenerateStream SSE 流式输出，data: 行逐块解析
func (c *LLMClient) GenerateStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan TextEvent, error) {
	resp, err := c.doRequest(ctx, chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.7,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan TextEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				out <- TextEvent{Done: true}
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case out <- TextEvent{Chunk: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					out <- TextEvent{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- TextEvent{Err: err}
			return
		}
		out <- TextEvent{Done: true}
	}()
	return out, nil
}

// ---- 图片生成（pollinations 风格的 GET 接口） ----

type PollinationsClient struct {
	Endpoint string
	Model    string
	HTTP     *http.Client
}

func NewPollinationsClient() *PollinationsClient {
	return &PollinationsClient{
		Endpoint: config.AppConfig.AI.ImageAPI,
		Model:    "flux",
		HTTP:     &http.Client{Timeout: 3 * time.Minute},
	}
}

func (c *PollinationsClient) Generate(ctx context.Context, prompt string, style StyleParams) (*ImageCandidate, error) {
	seed := style.Seed
	if seed == 0 {
		seed = rand.Int63n(1_000_000_000)
	}
	width, height := style.Width, style.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}
	model := style.Engine
	if model == "" || model == "pollinations" {
		model = c.Model
	}
	fullPrompt := prompt
	if style.Style != "" {
		fullPrompt = prompt + ", " + style.Style
	}

	// API 格式: {endpoint}/{prompt}?model=X&width=W&height=H&seed=N
	reqURL := fmt.Sprintf("%s/%s?model=%s&width=%d&height=%d&seed=%d&nologo=true",
		strings.TrimRight(c.Endpoint, "/"), url.PathEscape(fullPrompt), model, width, height, seed)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("图片生成请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("图片生成状态码: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取图片数据失败: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("图片生成返回空数据")
	}
	return &ImageCandidate{
		Data:   data,
		Seed:   seed,
		Engine: model,
		Width:  width,
		Height: height,
	}, nil
}

// ---- TTS ----

type HTTPTTSClient struct {
	Endpoint string
	HTTP     *http.Client
}

func NewHTTPTTSClient() *HTTPTTSClient {
	return &HTTPTTSClient{
		Endpoint: config.AppConfig.AI.VoiceAPI,
		HTTP:     &http.Client{Timeout: 3 * time.Minute},
	}
}

func (c *HTTPTTSClient) Synthesize(ctx context.Context, text string, params SpeechParams) (*SpeechResult, error) {
	format := params.Format
	if format == "" {
		format = "mp3"
	}
	reqBody := map[string]interface{}{
		"text":        text,
		"voice":       params.Voice,
		"lang":        params.Lang,
		"sample_rate": params.SampleRate,
		"format":      format,
		"speed":       params.Speed,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("语音合成请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("语音合成状态码 %d: %s", resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取音频数据失败: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("语音合成返回空数据")
	}

	// 服务端在响应头里带真实时长；缺失时回落为 0，由调用方估算
	durationMs := 0
	if v := resp.Header.Get("X-Audio-Duration-Ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			durationMs = n
		}
	}
	return &SpeechResult{Data: data, DurationMs: durationMs, Format: format}, nil
}

// collectCandidates 顺序生成 count 张候选图。每张之间检查 ctx，
// 取消时返回已产出的张数与 ctx 错误，已产出的候选保留。
// sink 负责持久化单张候选（写文件 + 建资产记录）。
func collectCandidates(
	ctx context.Context,
	gen ImageGenerator,
	prompt string,
	style StyleParams,
	count int,
	sink func(candidateIndex int, c *ImageCandidate) error,
	progress func(percent int),
) (int, error) {
	if count <= 0 {
		count = 1
	}
	produced := 0
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return produced, err
		}
		candidateStyle := style
		if style.Seed != 0 {
			candidateStyle.Seed = style.Seed + int64(i)
		}
		c, err := gen.Generate(ctx, prompt, candidateStyle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return produced, ctxErr
			}
			return produced, fmt.Errorf("候选 %d 生成失败: %w", i, err)
		}
		if err := sink(i, c); err != nil {
			return produced, fmt.Errorf("候选 %d 保存失败: %w", i, err)
		}
		produced++
		if progress != nil {
			progress(produced * 100 / count)
		}
	}
	return produced, nil
}
