package config

import "errors"

// 配置相关错误
var (
	ErrInvalidPort      = errors.New("端口必须在1到65535之间")
	ErrPortConflict     = errors.New("代理服务器与对话服务器端口冲突")
	ErrInvalidRateLimit = errors.New("限流速率不能为负数")
	ErrEmptyProxyURL    = errors.New("启用代理时代理地址不能为空")
	ErrInvalidThreshold = errors.New("火山方舟失败阈值不能为负数")
	ErrInvalidTimeout   = errors.New("请求超时不能为负数")
	ErrNoAPIKey         = errors.New("通义千问和火山方舟API密钥至少需要配置一个")
	ErrInvalidPongWait  = errors.New("pong_wait必须大于ping_period")
)
