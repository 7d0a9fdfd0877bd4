package services

import (
	"fmt"
	"math"
	"strings"

	"video_chat_mini/internal/models"
)

// 提示词常量
const (
	DefaultVideoSystemPrompt = "你是一个视频分析助手，请分析视频内容并回答问题。"
	ContinuationAddendum     = "这是关于之前分析视频的后续讨论，请基于已有的对话历史回答问题。"
	subtitleHeader           = "以下是视频的字幕内容："

	// SubtitleWindow 当前时间点附近字幕的范围（秒）
	SubtitleWindow = 2.0
)

// FormatTime 将秒数格式化为MM:SS
func FormatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// SubtitleBlock 生成完整字幕文本
func SubtitleBlock(subs []models.Subtitle) string {
	if len(subs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(subtitleHeader)
	sb.WriteString("\n\n")
	for _, s := range subs {
		fmt.Fprintf(&sb, "[%s -> %s] %s\n", FormatTime(s.StartTime), FormatTime(s.EndTime), s.Text)
	}
	return sb.String()
}

// SubtitlesAround 返回与[t-window, t+window]有交集的字幕
func SubtitlesAround(subs []models.Subtitle, t, window float64) []models.Subtitle {
	var out []models.Subtitle
	for _, s := range subs {
		if s.EndTime >= t-window && s.StartTime <= t+window {
			out = append(out, s)
		}
	}
	return out
}

// CurrentTimeBlock 生成当前视频时间及附近字幕的说明
func CurrentTimeBlock(videoTime float64, subs []models.Subtitle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "当前视频时间: %s", FormatTime(videoTime))
	around := SubtitlesAround(subs, videoTime, SubtitleWindow)
	if len(around) > 0 {
		sb.WriteString("\n当前时间点附近的字幕内容:\n")
		for _, s := range around {
			fmt.Fprintf(&sb, "[%s] %s\n", FormatTime(s.StartTime), s.Text)
		}
	}
	return sb.String()
}

// PromptOptions 系统提示词组装参数
type PromptOptions struct {
	Base             string
	Subtitles        []models.Subtitle
	IncludeSubtitles bool
	VideoTime        *float64
	Continuation     bool // 降级为纯文本后续讨论
}

// BuildSystemPrompt 组装系统提示词
func BuildSystemPrompt(opts PromptOptions) string {
	parts := []string{opts.Base}
	if opts.IncludeSubtitles && len(opts.Subtitles) > 0 {
		parts = append(parts, SubtitleBlock(opts.Subtitles))
	}
	if opts.VideoTime != nil {
		parts = append(parts, CurrentTimeBlock(*opts.VideoTime, opts.Subtitles))
	}
	if opts.Continuation {
		parts = append(parts, ContinuationAddendum)
	}

	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
