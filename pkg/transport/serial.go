package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig 串口通道连接参数
type SerialConfig struct {
	Device string `json:"device"`
	Baud   int    `json:"baud"`
}

// SerialTransport 串口控制台通道。
// Open 仅占用设备节点，不包含任何认证概念；链路是否可用
// 由活性探测（LivenessProber）主动诱发输出来判定。
type SerialTransport struct {
	config SerialConfig

	mutex  sync.Mutex
	port   serial.Port
	closed bool
}

// NewSerialTransport 创建串口通道
func NewSerialTransport(config SerialConfig) *SerialTransport {
	if config.Baud <= 0 {
		config.Baud = 115200
	}
	return &SerialTransport{config: config}
}

// Kind 通道类型
func (t *SerialTransport) Kind() Kind { return KindSerial }

// Open 打开串口设备节点
func (t *SerialTransport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.config.Device == "" {
		return &ConnectError{Kind: KindSerial, Err: fmt.Errorf("serial device not specified")}
	}

	mode := &serial.Mode{
		BaudRate: t.config.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.config.Device, mode)
	if err != nil {
		return &ConnectError{Kind: KindSerial, Err: fmt.Errorf("failed to open %s: %w", t.config.Device, err)}
	}

	// 丢弃启动阶段残留的输入输出，避免旧数据干扰探测
	_ = port.ResetInputBuffer()
	_ = port.ResetOutputBuffer()

	t.port = port
	t.closed = false
	return nil
}

// WriteLine 发送一行文本（与网络通道保持一致使用 CRLF）
func (t *SerialTransport) WriteLine(text string) error {
	return t.Write([]byte(text + "\r\n"))
}

// Write 发送原始字节
func (t *SerialTransport) Write(p []byte) error {
	t.mutex.Lock()
	port := t.port
	t.mutex.Unlock()
	if port == nil {
		return fmt.Errorf("serial transport not open")
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// ReadAvailable 在 deadline 内读取当前可用输出。
// 串口超时返回空切片而非错误；链路静默本身不是故障信号
func (t *SerialTransport) ReadAvailable(deadline time.Duration) ([]byte, error) {
	t.mutex.Lock()
	port := t.port
	t.mutex.Unlock()
	if port == nil {
		return nil, fmt.Errorf("serial transport not open")
	}

	if err := port.SetReadTimeout(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// Close 关闭串口，可重复调用
func (t *SerialTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed || t.port == nil {
		return nil
	}
	t.closed = true
	err := t.port.Close()
	t.port = nil
	return err
}
