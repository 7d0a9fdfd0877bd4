package models

import (
	"context"
	"errors"
	"fmt"
)

// 对话相关错误
var (
	ErrTurnInProgress   = errors.New("上一轮对话尚未结束")
	ErrMediaUnsupported = errors.New("该服务不支持图片或视频输入")
	ErrSessionNotFound  = errors.New("会话不存在")
	ErrEmptyPrompt      = errors.New("提示词和媒体不能同时为空")
)

// TransportError 网络、DNS或超时错误
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s 网络请求失败: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout 是否为超时
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// APIError 服务返回非2xx状态码
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API错误 (%d): %s", e.Provider, e.Status, e.Body)
}

// ResponseShapeError 2xx响应但无法提取回答
type ResponseShapeError struct {
	Provider string
	Reason   string
	Body     string
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("%s 无法从API响应中提取回答: %s", e.Provider, e.Reason)
}

// InsufficientFramesError 视频理解所需关键帧不足
type InsufficientFramesError struct {
	Got  int
	Want int
}

func (e *InsufficientFramesError) Error() string {
	return fmt.Sprintf("至少需要提供%d个视频帧，实际%d个", e.Want, e.Got)
}

// ProviderUnavailableError 手动指定的服务不可用
type ProviderUnavailableError struct {
	Provider ProviderKind
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("服务不可用: %s", e.Provider)
}

// NoProviderAvailableError 初始化时两个服务均不可用
type NoProviderAvailableError struct {
	PrimaryErr   error
	SecondaryErr error
}

func (e *NoProviderAvailableError) Error() string {
	return fmt.Sprintf("无可用的AI服务，请配置API密钥 (primary: %v, secondary: %v)", e.PrimaryErr, e.SecondaryErr)
}

func (e *NoProviderAvailableError) Unwrap() []error {
	var errs []error
	if e.PrimaryErr != nil {
		errs = append(errs, e.PrimaryErr)
	}
	if e.SecondaryErr != nil {
		errs = append(errs, e.SecondaryErr)
	}
	return errs
}

// FailoverError 首选服务和备选服务均失败
type FailoverError struct {
	First    ProviderKind
	FirstErr error
	Fallback ProviderKind
	Err      error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("%s 失败: %v; 备选服务 %s 也失败: %v", e.First, e.FirstErr, e.Fallback, e.Err)
}

func (e *FailoverError) Unwrap() []error {
	return []error{e.FirstErr, e.Err}
}

// IsProviderError 是否为服务调用错误（可触发切换备选服务）
func IsProviderError(err error) bool {
	var (
		te *TransportError
		ae *APIError
		se *ResponseShapeError
	)
	return errors.As(err, &te) || errors.As(err, &ae) || errors.As(err, &se)
}
