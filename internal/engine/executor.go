package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// DefaultPollSlice 读取轮询片。每次受限读取的上限时长，
// 保证控制权足够频繁地回到状态机检查预算
const DefaultPollSlice = 250 * time.Millisecond

// DefaultMaxAutoAnswers 同一签名在单命令内的最大自动应答次数，
// 防止设备反复弹出同一提示导致应答死循环
const DefaultMaxAutoAnswers = 3

// Executor 单命令执行状态机：
// Sent → Waiting → {Completed, Unresolved, TimedOut, Aborted}。
// 每次输出追加先跑交互检测再跑提示符匹配；命令内不做重试
type Executor struct {
	tr             transport.Transport
	matcher        *PromptMatcher
	detector       *InteractDetector
	password       string
	pollSlice      time.Duration
	maxAutoAnswers int
}

// NewExecutor 创建执行器
func NewExecutor(tr transport.Transport, matcher *PromptMatcher, detector *InteractDetector, password string, pollSlice time.Duration) *Executor {
	if pollSlice <= 0 {
		pollSlice = DefaultPollSlice
	}
	return &Executor{
		tr:             tr,
		matcher:        matcher,
		detector:       detector,
		password:       password,
		pollSlice:      pollSlice,
		maxAutoAnswers: DefaultMaxAutoAnswers,
	}
}

// Run 驱动一条命令从发送到终态。
// defaultTimeoutSec 为会话级单命令默认超时；overallDeadline 为会话总截止
// 时间（零值表示无界）。总预算耗尽返回 Aborted，单命令超时返回 TimedOut
func (e *Executor) Run(ctx context.Context, req CommandRequest, defaultTimeoutSec int, overallDeadline time.Time) *CommandResult {
	start := time.Now()
	result := &CommandResult{Command: req.Text, Status: StatusAborted}

	// 先清空通道内残留输出（上一条命令的延迟回显、探测残留提示符），
	// 避免残留提示符立即结束本命令导致输出错位
	e.drainResidual()

	// Sent：写入命令后立即进入 Waiting
	if err := e.tr.WriteLine(req.Text); err != nil {
		result.Status = StatusAborted
		result.Output = fmt.Sprintf("failed to send command: %v", err)
		result.Elapsed = time.Since(start)
		return result
	}

	timeoutSec := req.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSec
	}
	var cmdDeadline time.Time
	if timeoutSec > 0 {
		cmdDeadline = start.Add(time.Duration(timeoutSec) * time.Second)
	}

	var raw strings.Builder
	answeredRaw := 0
	answerCounts := make(map[string]int)

	for {
		now := time.Now()

		// 预算检查在每个读取边界进行；一次在途读取最多超出一个轮询片
		if ctx.Err() != nil {
			result.Status = StatusAborted
			result.Output = Sanitize(raw.String())
			result.Elapsed = time.Since(start)
			return result
		}
		if !overallDeadline.IsZero() && !now.Before(overallDeadline) {
			result.Status = StatusAborted
			result.Output = Sanitize(raw.String())
			result.Elapsed = time.Since(start)
			return result
		}
		if !cmdDeadline.IsZero() && !now.Before(cmdDeadline) {
			result.Status = StatusTimedOut
			result.Output = Sanitize(raw.String())
			result.Elapsed = time.Since(start)
			return result
		}

		// 读取截止取三者最小：剩余单命令预算、剩余总预算、轮询片
		slice := e.pollSlice
		if !cmdDeadline.IsZero() {
			if remain := cmdDeadline.Sub(now); remain < slice {
				slice = remain
			}
		}
		if !overallDeadline.IsZero() {
			if remain := overallDeadline.Sub(now); remain < slice {
				slice = remain
			}
		}
		if slice <= 0 {
			continue
		}

		chunk, err := e.tr.ReadAvailable(slice)
		if err != nil {
			// 通道中途断开：该命令按 Aborted 收尾，由会话层停止后续命令
			logger.WithField("command", req.Text).Warnf("transport read failed: %v", err)
			result.Status = StatusAborted
			result.Output = Sanitize(raw.String())
			result.Elapsed = time.Since(start)
			return result
		}
		if len(chunk) == 0 {
			continue
		}

		raw.Write(chunk)
		clean := Sanitize(raw.String())

		// 已应答位置按原始缓冲长度记录，每次重新清洗该前缀换算到当前
		// 坐标系：跨片到达的 \r\n 使清洗偏移位移时换算结果依然一致
		minEnd := 0
		if answeredRaw > 0 {
			minEnd = len(Sanitize(raw.String()[:answeredRaw]))
		}

		// 交互检测先于提示符匹配：密码提示可能形似Shell提示符片段
		if hit := e.detector.Scan(clean, minEnd); hit != nil {
			answerCounts[hit.Name]++
			if answerCounts[hit.Name] > e.maxAutoAnswers {
				result.Status = StatusUnresolved
				result.PromptText = hit.Prompt
				result.Output = trimCommandEcho(clean, req.Text)
				result.Elapsed = time.Since(start)
				return result
			}

			switch hit.Action {
			case ActionPassword:
				if e.password == "" {
					result.Status = StatusUnresolved
					result.PromptText = hit.Prompt
					result.Output = trimCommandEcho(clean, req.Text)
					result.Elapsed = time.Since(start)
					return result
				}
				_ = e.tr.WriteLine(e.password)
			case ActionAnswer:
				_ = e.tr.WriteLine(hit.Response)
			case ActionRaw:
				_ = e.tr.Write([]byte(hit.Response))
			default:
				// 未知签名动作：无法自动应答，记录提示文本后放行下一条命令
				result.Status = StatusUnresolved
				result.PromptText = hit.Prompt
				result.Output = trimCommandEcho(clean, req.Text)
				result.Elapsed = time.Since(start)
				return result
			}
			// 应答后继续累积输出，这不是终态
			answeredRaw = raw.Len()
			continue
		}

		if output, ok := e.matcher.Match(clean); ok {
			result.Status = StatusCompleted
			result.Output = trimCommandEcho(output, req.Text)
			result.Elapsed = time.Since(start)
			return result
		}
	}
}

// drainResidual 非阻塞地丢弃通道中残留的输出
func (e *Executor) drainResidual() {
	for i := 0; i < 3; i++ {
		chunk, err := e.tr.ReadAvailable(10 * time.Millisecond)
		if err != nil || len(chunk) == 0 {
			return
		}
	}
}

// trimCommandEcho 去掉捕获输出头部的命令回显行与首尾空行
func trimCommandEcho(output, command string) string {
	out := strings.TrimLeft(output, "\n")
	cmd := strings.TrimSpace(command)
	if cmd != "" {
		if idx := strings.Index(out, "\n"); idx >= 0 {
			first := strings.TrimSpace(out[:idx])
			if first == cmd || strings.HasSuffix(first, cmd) {
				out = out[idx+1:]
			}
		} else if strings.TrimSpace(out) == cmd {
			out = ""
		}
	}
	return strings.Trim(out, "\n")
}
