package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// Policy 通道选择策略
type Policy string

const (
	// PolicyAuto 先尝试网络通道，仅在非认证类失败时回退串口
	PolicyAuto Policy = "auto"
	// PolicyNetworkOnly 仅使用网络通道，任何失败都是最终结果
	PolicyNetworkOnly Policy = "network-only"
	// PolicySerialOnly 仅使用串口通道，任何失败都是最终结果
	PolicySerialOnly Policy = "serial-only"
)

// ParsePolicy 解析策略取值，兼容常见别名
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PolicyAuto, nil
	case "network-only", "network", "ssh":
		return PolicyNetworkOnly, nil
	case "serial-only", "serial":
		return PolicySerialOnly, nil
	default:
		return "", fmt.Errorf("invalid transport policy: %q", s)
	}
}

// Selector 通道选择器。负责按策略打开通道并完成活性分类；
// 返回的通道保证处于可执行命令的状态（LinuxShellAlive 或 Up）
type Selector struct {
	Policy         Policy
	NetworkFactory func() transport.Transport
	SerialFactory  func() transport.Transport

	Matcher             *PromptMatcher
	Username            string
	Password            string
	ProbeAttempts       int
	ProbeAttemptTimeout time.Duration
}

// Select 打开通道并分类活性。
// auto 策略下认证失败（AuthError）不会触发串口回退：换一条链路
// 解决不了错误的凭据，该失败原样上报，由调用方更正后重试
func (s *Selector) Select(ctx context.Context) (transport.Transport, ConnectionState, error) {
	switch s.Policy {
	case PolicyNetworkOnly:
		return s.openNetwork(ctx)
	case PolicySerialOnly:
		return s.openSerial(ctx)
	case PolicyAuto, "":
		tr, state, err := s.openNetwork(ctx)
		if err == nil {
			return tr, state, nil
		}
		if transport.IsAuthError(err) {
			return nil, StateDown, err
		}
		logger.WithField("error", err.Error()).Warn("network transport unavailable, falling back to serial")
		return s.openSerial(ctx)
	default:
		return nil, StateUnknown, fmt.Errorf("invalid transport policy: %q", s.Policy)
	}
}

func (s *Selector) openNetwork(ctx context.Context) (transport.Transport, ConnectionState, error) {
	tr := s.NetworkFactory()
	if err := tr.Open(ctx); err != nil {
		return nil, StateDown, err
	}
	return tr, StateUp, nil
}

func (s *Selector) openSerial(ctx context.Context) (transport.Transport, ConnectionState, error) {
	tr := s.SerialFactory()
	if err := tr.Open(ctx); err != nil {
		return nil, StateUnknown, err
	}

	prober := NewLivenessProber(tr, s.Matcher, s.Username, s.Password, s.ProbeAttempts, s.ProbeAttemptTimeout)
	state, err := prober.ProbeSerial(ctx)
	if err != nil {
		// 分类失败对会话是致命的：不存在进一步回退，关闭通道后上报分类
		_ = tr.Close()
		return nil, state, err
	}
	return tr, state, nil
}
