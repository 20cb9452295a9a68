package engine

import (
	"context"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
)

// SessionConfig 一次会话的全部已解析参数。
// 引擎只接收解析后的值，从不自行读取配置存储
type SessionConfig struct {
	PromptSpec PromptSpec
	Signatures []Signature
	Password   string

	Commands []CommandRequest
	// CommandTimeoutSec 单命令默认超时秒数，0 表示无界
	CommandTimeoutSec int
	// OverallTimeoutSec 会话总预算秒数，0 表示无界
	OverallTimeoutSec int
	PollSlice         time.Duration
	// StopOnUnresolved 交互未解决时是否停止后续命令（默认继续）
	StopOnUnresolved bool
}

// transportLostReason 在途命令期间通道断开的失败原因。
// 链路丢失按连接失败归类退出码，与预算耗尽区分
const transportLostReason = "transport failed while command in flight"

// SessionRunner 会话运行器。独占持有通道生命周期：
// 打开 → 探测 → 按序执行 → 关闭（包括被中止的退出路径）
type SessionRunner struct {
	selector *Selector
	config   SessionConfig
}

// NewSessionRunner 创建会话运行器
func NewSessionRunner(selector *Selector, config SessionConfig) *SessionRunner {
	return &SessionRunner{selector: selector, config: config}
}

// Run 执行整个会话并产出汇总。
// 通道建立与探测失败对会话致命（不执行任何命令），错误按分类返回；
// 单命令失败只记录在结果中，除非总预算已耗尽，否则继续下一条命令
func (r *SessionRunner) Run(ctx context.Context) (*SessionSummary, error) {
	start := time.Now()
	summary := &SessionSummary{
		ConnectionState: StateUnknown,
		FailedIndex:     -1,
	}

	matcher, err := r.config.PromptSpec.Resolve()
	if err != nil {
		summary.Duration = time.Since(start)
		summary.ReturnCode = ExitConnectFailed
		summary.FailureReason = err.Error()
		return summary, err
	}

	signatures := r.config.Signatures
	if len(signatures) == 0 {
		signatures = DefaultSignatures()
	}
	detector, err := NewInteractDetector(signatures)
	if err != nil {
		summary.Duration = time.Since(start)
		summary.ReturnCode = ExitConnectFailed
		summary.FailureReason = err.Error()
		return summary, err
	}

	r.selector.Matcher = matcher
	tr, state, err := r.selector.Select(ctx)
	summary.ConnectionState = state
	if err != nil {
		summary.Duration = time.Since(start)
		summary.ReturnCode = ExitCodeForError(err)
		summary.FailureReason = err.Error()
		return summary, err
	}
	// 任何退出路径都必须关闭通道
	defer tr.Close()

	summary.Transport = tr.Kind()

	var overallDeadline time.Time
	if r.config.OverallTimeoutSec > 0 {
		overallDeadline = start.Add(time.Duration(r.config.OverallTimeoutSec) * time.Second)
	}

	executor := NewExecutor(tr, matcher, detector, r.config.Password, r.config.PollSlice)

	for i, cmd := range r.config.Commands {
		// 总预算一旦耗尽，不再启动任何后续命令
		if !overallDeadline.IsZero() && !time.Now().Before(overallDeadline) {
			summary.FailureReason = ErrOverallBudgetExhausted.Error()
			break
		}
		if ctx.Err() != nil {
			summary.FailureReason = ctx.Err().Error()
			break
		}

		result := executor.Run(ctx, cmd, r.config.CommandTimeoutSec, overallDeadline)
		summary.Results = append(summary.Results, result)

		logger.WithFields(map[string]interface{}{
			"index":   i,
			"status":  string(result.Status),
			"elapsed": result.Elapsed.String(),
		}).Debugf("command finished: %s", cmd.Text)

		if result.Status == StatusAborted {
			// 在途命令被中止：总预算耗尽、显式取消或通道中途断开，停止推进
			switch {
			case ctx.Err() != nil:
				summary.FailureReason = ctx.Err().Error()
			case !overallDeadline.IsZero() && !time.Now().Before(overallDeadline):
				summary.FailureReason = ErrOverallBudgetExhausted.Error()
			default:
				summary.FailureReason = transportLostReason
			}
			break
		}
		if result.Status == StatusUnresolved && r.config.StopOnUnresolved {
			break
		}
	}

	summary.Duration = time.Since(start)
	summary.FailedIndex, summary.ReturnCode = finalReturnCode(summary)
	return summary, nil
}

// finalReturnCode 计算最终退出码：全部 Completed 为0，
// 否则取第一个非 Completed 命令的状态对应的退出码
func finalReturnCode(summary *SessionSummary) (failedIndex, code int) {
	for i, res := range summary.Results {
		if res.Status == StatusCompleted {
			continue
		}
		switch res.Status {
		case StatusTimedOut:
			return i, ExitCommandTimeout
		case StatusUnresolved:
			return i, ExitUnresolved
		default:
			if summary.FailureReason == transportLostReason {
				return i, ExitConnectFailed
			}
			return i, ExitOverallAbort
		}
	}
	// 命令本身全部完成，但总预算可能阻止了后续命令启动
	if summary.FailureReason != "" {
		return -1, ExitOverallAbort
	}
	return -1, ExitOK
}
