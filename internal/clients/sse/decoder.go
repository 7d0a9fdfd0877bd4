package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"video_chat_mini/internal/models"
)

// DoneMarker 流结束标记
const DoneMarker = "[DONE]"

// readSize 每次从响应体读取的字节数
const readSize = 4096

// Delta 单帧中提取到的增量
type Delta struct {
	Content   string
	Reasoning string
}

// Extractor 从一帧data负载中提取增量
type Extractor func(data []byte) (Delta, error)

// chatFrame OpenAI兼容的流式帧
type chatFrame struct {
	Choices []struct {
		Delta struct {
			Content          json.RawMessage `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ExtractChatDelta 提取choices[0].delta.content和reasoning_content
// content可以是字符串，也可以是[{type:"text",text:"..."}]数组
func ExtractChatDelta(data []byte) (Delta, error) {
	var frame chatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Delta{}, err
	}
	if len(frame.Choices) == 0 {
		return Delta{}, nil
	}
	d := frame.Choices[0].Delta
	content, err := ContentText(d.Content)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Content: content, Reasoning: d.ReasoningContent}, nil
}

// ContentText 将字符串或文本片段数组形式的content转换为文本
func ContentText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("无法识别的content格式: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

// Decoder SSE增量解码器，非并发安全
type Decoder struct {
	extract   Extractor
	buf       []byte
	text      strings.Builder
	reasoning strings.Builder
	done      bool
}

// NewDecoder 创建解码器，extract为空时使用ExtractChatDelta
func NewDecoder(extract Extractor) *Decoder {
	if extract == nil {
		extract = ExtractChatDelta
	}
	return &Decoder{extract: extract}
}

// Write 写入任意长度的字节片段，返回其中完整帧产生的输出
func (d *Decoder) Write(p []byte) []models.StreamChunk {
	if d.done {
		return nil
	}
	for _, b := range p {
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	var chunks []models.StreamChunk
	for !d.done {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		segment := d.buf[:idx]
		d.buf = d.buf[idx+2:]
		if c, ok := d.frame(segment); ok {
			chunks = append(chunks, c)
		}
	}
	if d.done {
		d.buf = nil
	}
	return chunks
}

// Close 处理缓冲区中剩余的最后一帧，并在尚未结束时输出结束片段
func (d *Decoder) Close() []models.StreamChunk {
	if d.done {
		return nil
	}
	var chunks []models.StreamChunk
	if rest := bytes.TrimSpace(d.buf); len(rest) > 0 {
		if c, ok := d.frame(rest); ok {
			chunks = append(chunks, c)
		}
	}
	d.buf = nil
	if !d.done {
		d.done = true
		chunks = append(chunks, models.StreamChunk{Cumulative: d.text.String(), Done: true})
	}
	return chunks
}

// Text 当前累计文本
func (d *Decoder) Text() string { return d.text.String() }

// Reasoning 当前累计推理过程
func (d *Decoder) Reasoning() string { return d.reasoning.String() }

// Done 是否已收到结束标记
func (d *Decoder) Done() bool { return d.done }

// frame 处理一个完整帧
func (d *Decoder) frame(segment []byte) (models.StreamChunk, bool) {
	var data []string
	for _, line := range strings.Split(string(segment), "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(data) == 0 {
		return models.StreamChunk{}, false
	}
	payload := strings.TrimSpace(strings.Join(data, "\n"))
	if payload == "" {
		return models.StreamChunk{}, false
	}
	if payload == DoneMarker {
		d.done = true
		return models.StreamChunk{Cumulative: d.text.String(), Done: true}, true
	}

	delta, err := d.extract([]byte(payload))
	if err != nil {
		log.Printf("[WARN] 解析流式数据失败，跳过该帧: %v, 数据: %s", err, truncate(payload, 200))
		return models.StreamChunk{}, false
	}
	if delta.Content == "" && delta.Reasoning == "" {
		return models.StreamChunk{}, false
	}
	d.text.WriteString(delta.Content)
	d.reasoning.WriteString(delta.Reasoning)
	return models.StreamChunk{
		Delta:      delta.Content,
		Cumulative: d.text.String(),
		Reasoning:  delta.Reasoning,
	}, true
}

// Stream 从响应体增量解码，输出到通道，结束或出错后关闭通道
// 读取失败时最后一个片段的Err为TransportError
func Stream(ctx context.Context, r io.Reader, extract Extractor) <-chan models.StreamChunk {
	out := make(chan models.StreamChunk, 16)
	go func() {
		defer close(out)
		dec := NewDecoder(extract)

		send := func(chunks []models.StreamChunk) bool {
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		buf := make([]byte, readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !send(dec.Write(buf[:n])) {
					return
				}
				if dec.Done() {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				send(dec.Close())
				return
			}
			if err != nil {
				send([]models.StreamChunk{{
					Cumulative: dec.Text(),
					Err:        &models.TransportError{Provider: "stream", Err: err},
				}})
				return
			}
		}
	}()
	return out
}

// DecodeString 一次性解码完整的SSE文本，返回累计文本、累计推理过程和所有片段
func DecodeString(text string, extract Extractor) (string, string, []models.StreamChunk) {
	dec := NewDecoder(extract)
	chunks := dec.Write([]byte(text))
	chunks = append(chunks, dec.Close()...)
	return dec.Text(), dec.Reasoning(), chunks
}

// LooksLikeEventStream 判断内容是否为SSE格式
func LooksLikeEventStream(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \r\n\t")
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte(":")) ||
		bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("id:"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
