package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/internal/engine"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// TestResolveSignaturesAppend 配置签名追加在内置表之后
func TestResolveSignaturesAppend(t *testing.T) {
	cfg := &config.Config{
		Interact: config.InteractConfig{
			Append: true,
			Signatures: []config.SignatureConfig{
				{Name: "custom", Pattern: `accept\?`, Action: "answer", Response: "y"},
			},
		},
	}
	s := NewRunnerService(cfg)

	signatures := s.resolveSignatures(cfg)
	assert.Len(t, signatures, 1+len(engine.DefaultSignatures()))
	assert.Equal(t, "custom", signatures[0].Name, "配置签名优先于内置表匹配")
}

// TestResolveSignaturesReplace 非追加模式整体替换内置表
func TestResolveSignaturesReplace(t *testing.T) {
	cfg := &config.Config{
		Interact: config.InteractConfig{
			Append: false,
			Signatures: []config.SignatureConfig{
				{Name: "only", Pattern: `x:`, Action: "answer", Response: "y"},
			},
		},
	}
	s := NewRunnerService(cfg)

	signatures := s.resolveSignatures(cfg)
	assert.Len(t, signatures, 1)

	// 配置为空时回退内置表
	empty := &config.Config{}
	assert.Len(t, s.resolveSignatures(empty), len(engine.DefaultSignatures()))
}

// TestRenderTranscript 会话记录文本渲染
func TestRenderTranscript(t *testing.T) {
	summary := &engine.SessionSummary{
		Transport:       transport.KindSerial,
		ConnectionState: engine.StateLinuxShellAlive,
		ReturnCode:      engine.ExitCommandTimeout,
		Duration:        3 * time.Second,
		FailureReason:   "",
		Results: []*engine.CommandResult{
			{Command: "uptime", Output: "10:00 up", Status: engine.StatusCompleted, Elapsed: time.Second},
			{Command: "hang", Output: "partial", Status: engine.StatusTimedOut, Elapsed: 2 * time.Second},
		},
	}

	text := RenderTranscript("sess-1", summary)
	assert.Contains(t, text, "session: sess-1")
	assert.Contains(t, text, "transport: serial")
	assert.Contains(t, text, "uptime")
	assert.Contains(t, text, "10:00 up")
	assert.Contains(t, text, string(engine.StatusTimedOut))
	assert.Contains(t, text, "partial", "超时命令的部分输出也应保留")
}

// TestValueOr 超时参数合并：nil 用默认，显式 0 表示无界
func TestValueOr(t *testing.T) {
	assert.Equal(t, 30, valueOr(nil, 30))

	zero := 0
	assert.Equal(t, 0, valueOr(&zero, 30), "显式 0 不应被默认值覆盖")

	five := 5
	assert.Equal(t, 5, valueOr(&five, 30))
}

// TestFirstNonEmpty 连接参数回退
func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("a", "b"))
	assert.Equal(t, "b", firstNonEmpty("", "b"))
	assert.Equal(t, "b", firstNonEmpty("  ", "b"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
