package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// TestProbeSerialShellAlive 空回车诱发提示符即判定Shell存活
func TestProbeSerialShellAlive(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	tr.respond = func(line string) [][]byte {
		if line == "" {
			return [][]byte{[]byte("\r\n" + testPrompt)}
		}
		return nil
	}

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 3, 50*time.Millisecond)
	state, err := prober.ProbeSerial(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateLinuxShellAlive, state)
}

// TestProbeSerialNoTerminal 连续空读判定无终端，且在固定轮次内完成
func TestProbeSerialNoTerminal(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 3, 20*time.Millisecond)
	start := time.Now()
	state, err := prober.ProbeSerial(context.Background())

	assert.Equal(t, StateNoTerminal, state)
	assert.ErrorIs(t, err, ErrProbeNoTerminal)
	// 探测时长受 attempts × attemptTimeout 约束，与会话预算无关
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// TestProbeSerialAliveNoShell 有输出但不出现提示符
func TestProbeSerialAliveNoShell(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	tr.respond = func(line string) [][]byte {
		// 停在bootloader提示，永远等不到Linux Shell
		return [][]byte{[]byte("U-Boot> ")}
	}

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 3, 20*time.Millisecond)
	state, err := prober.ProbeSerial(context.Background())

	assert.Equal(t, StateAliveNoShell, state)
	assert.ErrorIs(t, err, ErrProbeAliveNoShell)
}

// TestProbeSerialLoginFlow 停在登录提示的串口走完用户名密码流程
func TestProbeSerialLoginFlow(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	tr.respond = func(line string) [][]byte {
		switch line {
		case "":
			return [][]byte{[]byte("\r\ndevice login:")}
		case "root":
			return [][]byte{[]byte("\r\nPassword:")}
		case "pw":
			return [][]byte{[]byte("\r\nLast login: today\r\n" + testPrompt)}
		}
		return nil
	}

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 5, 50*time.Millisecond)
	state, err := prober.ProbeSerial(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateLinuxShellAlive, state)
	assert.Contains(t, tr.sentLines(), "root", "应发送用户名作为登录态探测令牌")
	assert.Contains(t, tr.sentLines(), "pw", "密码提示应自动应答")
}

// TestProbeSerialIdempotent 稳定链路上重复探测结果一致
func TestProbeSerialIdempotent(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	tr.respond = func(line string) [][]byte {
		return [][]byte{[]byte("\r\n" + testPrompt)}
	}

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 3, 50*time.Millisecond)

	first, err := prober.ProbeSerial(context.Background())
	require.NoError(t, err)
	second, err := prober.ProbeSerial(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second, "重复探测不应改变分类")
}

// TestProbeSerialContextCancel 取消探测返回原因
func TestProbeSerialContextCancel(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := NewLivenessProber(tr, mustMatcher(t, testPromptPattern, "root"), "root", "pw", 3, 50*time.Millisecond)
	state, err := prober.ProbeSerial(ctx)

	assert.Equal(t, StateUnknown, state)
	assert.ErrorIs(t, err, context.Canceled)
}
