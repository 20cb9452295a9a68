package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind 传输通道类型
type Kind string

const (
	// KindNetwork 网络会话通道（SSH）
	KindNetwork Kind = "network"
	// KindSerial 串口控制台通道
	KindSerial Kind = "serial"
)

// Transport 统一的字节通道能力接口：
// - Open 建立通道（网络通道同时完成认证；串口通道仅占用设备节点）
// - WriteLine 发送一行文本（附带行结束符）
// - Write 发送原始字节（用于分页器退出等不带换行的应答）
// - ReadAvailable 在限定时间内读取当前可用的输出，可能返回空
// - Close 关闭通道，任何退出路径都必须调用
type Transport interface {
	Open(ctx context.Context) error
	WriteLine(text string) error
	Write(p []byte) error
	ReadAvailable(deadline time.Duration) ([]byte, error)
	Close() error
	Kind() Kind
}

// ConnectError 通道建立失败（不可达、拒绝、握手失败等）
type ConnectError struct {
	Kind Kind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect failed: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError 认证被拒绝。与 ConnectError 严格区分：
// 认证失败不允许回退到串口，需要调用方更正凭据后重试
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError 判断是否为认证失败
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConnectError 判断是否为通道建立失败
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}
