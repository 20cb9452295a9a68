package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// TestExecutorCompleted 命令正常回到空闲提示符
func TestExecutorCompleted(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		if line == "uptime" {
			return shellReply("uptime", " 10:00:00 up 1 day", testPrompt)
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "uptime"}, 5, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, " 10:00:00 up 1 day", result.Output, "输出不应包含命令回显与提示符")
	assert.Empty(t, result.PromptText)
}

// TestExecutorCommandTimeout 设备静默时按单命令预算超时
func TestExecutorCommandTimeout(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	start := time.Now()
	result := exec.Run(context.Background(), CommandRequest{Text: "sleep 100"}, 1, time.Time{})
	elapsed := time.Since(start)

	assert.Equal(t, StatusTimedOut, result.Status)
	// 终止时刻不晚于预算加一个轮询片（留调度余量）
	assert.GreaterOrEqual(t, elapsed, 1*time.Second)
	assert.Less(t, elapsed, 1400*time.Millisecond, "超时应在预算边界附近触发")
}

// TestExecutorPerCommandTimeoutOverride 单命令超时覆盖会话默认
func TestExecutorPerCommandTimeoutOverride(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	start := time.Now()
	result := exec.Run(context.Background(), CommandRequest{Text: "x", TimeoutSec: 1}, 30, time.Time{})

	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Less(t, time.Since(start), 2*time.Second, "应使用命令自带的1秒超时而不是默认30秒")
}

// TestExecutorZeroBudgetsDoNotSelfTerminate 预算为0表示无界
func TestExecutorZeroBudgetsDoNotSelfTerminate(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	tr.respond = func(line string) [][]byte {
		if line == "slowcmd" {
			// 先经历若干静默轮询，再回到提示符
			return [][]byte{{}, {}, {}, []byte("slowcmd\r\ndone\r\n" + testPrompt)}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "slowcmd"}, 0, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status, "无界预算下应等待到提示符而不是自行终止")
	assert.Equal(t, "done", result.Output)
}

// TestExecutorAutoAnswerPassword 密码提示自动应答后命令继续
func TestExecutorAutoAnswerPassword(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		switch line {
		case "sudo whoami":
			return [][]byte{[]byte("sudo whoami\r\n[sudo] password for root:")}
		case "s3cret":
			return [][]byte{[]byte("\r\nroot\r\n" + testPrompt)}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "s3cret", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "sudo whoami"}, 5, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, tr.sentLines(), "s3cret", "应自动发送会话密码")
	assert.Contains(t, result.Output, "root")
}

// TestExecutorAnswerStableAcrossSplitCRLF 应答点之后 \r\n 跨片到达时
// 既不重复应答同一提示，也不漏掉设备真正的再次提示
func TestExecutorAnswerStableAcrossSplitCRLF(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	pwSends := 0
	tr.respond = func(line string) [][]byte {
		switch line {
		case "sudo -v":
			return [][]byte{[]byte("sudo -v\r\npassword:")}
		case "s3cret":
			pwSends++
			if pwSends == 1 {
				// 回车分两片回传，第二片携带再次提示
				return [][]byte{[]byte("\r"), []byte("\nSorry, try again\r\npassword:")}
			}
			return [][]byte{[]byte("\r\n" + testPrompt)}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "s3cret", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "sudo -v"}, 5, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, pwSends, "同一提示只应答一次，再次提示应答第二次")
}

// TestExecutorConfirmMidStream 流中的确认提示自动应答默认肯定项后命令继续
func TestExecutorConfirmMidStream(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		switch line {
		case "apt-get upgrade":
			return [][]byte{[]byte("apt-get upgrade\r\nDo you want to continue? (yes/no)")}
		case "yes":
			return [][]byte{[]byte("\r\nupgrade complete\r\n" + testPrompt)}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "apt-get upgrade"}, 5, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status, "应答后命令应继续至空闲提示符")
	assert.Contains(t, tr.sentLines(), "yes", "确认提示应自动发送肯定应答")
	// 捕获输出同时保留确认提示文本与后续输出
	assert.Contains(t, result.Output, "Do you want to continue? (yes/no)")
	assert.Contains(t, result.Output, "upgrade complete")
}

// TestExecutorPasswordMissing 没有配置密码时密码提示标记未解决
func TestExecutorPasswordMissing(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		if line == "sudo whoami" {
			return [][]byte{[]byte("sudo whoami\r\n[sudo] password for root:")}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "sudo whoami"}, 5, time.Time{})

	assert.Equal(t, StatusUnresolved, result.Status)
	assert.Equal(t, "[sudo] password for root:", result.PromptText)
}

// TestExecutorMaxAutoAnswers 同一签名反复弹出时截断应答循环
func TestExecutorMaxAutoAnswers(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		switch line {
		case "sudo ls":
			return [][]byte{[]byte("sudo ls\r\n[sudo] password for root:")}
		case "wrongpw":
			return [][]byte{[]byte("\r\nSorry, try again.\r\n[sudo] password for root:")}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "wrongpw", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "sudo ls"}, 5, time.Time{})

	assert.Equal(t, StatusUnresolved, result.Status, "超过最大应答次数后应标记未解决")

	answered := 0
	for _, line := range tr.sentLines() {
		if line == "wrongpw" {
			answered++
		}
	}
	assert.Equal(t, DefaultMaxAutoAnswers, answered, "应答次数应被截断")
}

// TestExecutorUnresolvedAction 无法自动应答的签名直接标记未解决
func TestExecutorUnresolvedAction(t *testing.T) {
	signatures := append(DefaultSignatures(), Signature{
		Name:    "shell-escape",
		Pattern: `press ctrl-c to abort`,
		Action:  ActionUnresolved,
	})
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		if line == "flash write" {
			return [][]byte{[]byte("flash write\r\npress ctrl-c to abort")}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, signatures), "pw", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "flash write"}, 5, time.Time{})

	assert.Equal(t, StatusUnresolved, result.Status)
	assert.Equal(t, "press ctrl-c to abort", result.PromptText, "未解决时应携带提示文本作诊断载荷")
}

// TestExecutorRawAnswer 分页器按原始字节退出（不带换行）
func TestExecutorRawAnswer(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.respond = func(line string) [][]byte {
		switch line {
		case "cat big.log":
			return [][]byte{[]byte("cat big.log\r\nline1\r\n--More--")}
		case "q":
			return [][]byte{[]byte("\r\nline2\r\n" + testPrompt)}
		}
		return nil
	}

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "cat big.log"}, 5, time.Time{})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Output, "line2")
}

// TestExecutorAbortedOnContextCancel 取消后立即以 aborted 收尾
func TestExecutorAbortedOnContextCancel(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	start := time.Now()
	result := exec.Run(ctx, CommandRequest{Text: "x"}, 0, time.Time{})

	assert.Equal(t, StatusAborted, result.Status)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

// TestExecutorAbortedOnOverallDeadline 总预算耗尽中止在途命令
func TestExecutorAbortedOnOverallDeadline(t *testing.T) {
	tr := newFakeTransport(transport.KindSerial)

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "x"}, 0, time.Now().Add(300*time.Millisecond))

	assert.Equal(t, StatusAborted, result.Status, "总预算先于单命令预算耗尽时应返回 aborted")
}

// TestExecutorTransportFailure 通道读失败以 aborted 收尾
func TestExecutorTransportFailure(t *testing.T) {
	tr := newFakeTransport(transport.KindNetwork)
	tr.readErr = io.EOF

	exec := NewExecutor(tr, mustMatcher(t, testPromptPattern, "root"), mustDetector(t, DefaultSignatures()), "", 20*time.Millisecond)
	result := exec.Run(context.Background(), CommandRequest{Text: "x"}, 5, time.Time{})

	require.Equal(t, StatusAborted, result.Status)
}

// TestTrimCommandEcho 回显剥离
func TestTrimCommandEcho(t *testing.T) {
	assert.Equal(t, "out", trimCommandEcho("uptime\nout", "uptime"))
	assert.Equal(t, "", trimCommandEcho("uptime", "uptime"))
	// 回显缺失时输出原样保留
	assert.Equal(t, "out only", trimCommandEcho("out only", "uptime"))
}
