package engine

import (
	"errors"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// 会话级失败分类。连接建立与探测失败对整个会话是致命的，
// 按原始分类向上透出；单命令失败（超时、交互提示未解决）
// 只记录在该命令的结果中，不作为错误传播
var (
	// ErrProbeNoTerminal 串口探测多次读取均无任何输出
	ErrProbeNoTerminal = errors.New("serial probe: no terminal detected")
	// ErrProbeAliveNoShell 串口有输出但始终未出现可识别的Shell提示符
	ErrProbeAliveNoShell = errors.New("serial probe: link alive but no linux shell")
	// ErrOverallBudgetExhausted 会话总时长预算耗尽
	ErrOverallBudgetExhausted = errors.New("overall session budget exhausted")
)

// 进程退出码。0 仅在全部命令 Completed 时使用；
// 其余各失败类别使用互不相同的非零值
const (
	ExitOK             = 0
	ExitConnectFailed  = 1
	ExitAuthFailed     = 2
	ExitNoTerminal     = 3
	ExitAliveNoShell   = 4
	ExitCommandTimeout = 5
	ExitUnresolved     = 6
	ExitOverallAbort   = 7
)

// ExitCodeForError 将会话级失败映射到退出码
func ExitCodeForError(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case transport.IsAuthError(err):
		return ExitAuthFailed
	case errors.Is(err, ErrProbeNoTerminal):
		return ExitNoTerminal
	case errors.Is(err, ErrProbeAliveNoShell):
		return ExitAliveNoShell
	case errors.Is(err, ErrOverallBudgetExhausted):
		return ExitOverallAbort
	default:
		return ExitConnectFailed
	}
}
