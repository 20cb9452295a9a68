package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// 串口探测默认参数。总探测时长被限定为
// attempts × attemptTimeout 的小常数倍，与会话总预算无关，
// 保证断开的链路在数秒内即可判定，而不是耗尽用户的超时
const (
	DefaultProbeAttempts       = 5
	DefaultProbeAttemptTimeout = 2 * time.Second
)

// LivenessProber 通道活性探测器。串口字节流本身没有连接信号，
// 静默可能意味着启动中、波特率错误、线缆断开或Shell已在等待输入，
// 因此主动诱发输出而不是被动等待
type LivenessProber struct {
	tr             transport.Transport
	matcher        *PromptMatcher
	username       string
	password       string
	attempts       int
	attemptTimeout time.Duration
}

// NewLivenessProber 创建探测器。username 作为登录态探测令牌发送，
// password 用于应答探测期间出现的密码提示
func NewLivenessProber(tr transport.Transport, matcher *PromptMatcher, username, password string, attempts int, attemptTimeout time.Duration) *LivenessProber {
	if attempts <= 0 {
		attempts = DefaultProbeAttempts
	}
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultProbeAttemptTimeout
	}
	return &LivenessProber{
		tr:             tr,
		matcher:        matcher,
		username:       username,
		password:       password,
		attempts:       attempts,
		attemptTimeout: attemptTimeout,
	}
}

// ProbeSerial 对串口通道做三态分类：
// 1. 发送登录态探测令牌（假定可能停在 login: 提示）并限时读取
// 2. 读到密码提示则发送密码，再对照提示符模式检查后续输出
// 3. 提示符命中 → LinuxShellAlive
// 4. 读到过任何非空输出（即便不匹配）→ AliveNoLinuxShell
// 5. 连续 N 次空读 → NoTerminal
// 对稳定链路重复探测应得到相同分类
func (p *LivenessProber) ProbeSerial(ctx context.Context) (ConnectionState, error) {
	var buf strings.Builder
	sawOutput := false

	for attempt := 0; attempt < p.attempts; attempt++ {
		if ctx.Err() != nil {
			return StateUnknown, ctx.Err()
		}

		// 探测令牌：首次只发回车诱发当前提示符，之后发送用户名
		// 以便同时覆盖「login: 挂起」与「Shell已就绪」两种状态
		token := ""
		if attempt > 0 {
			token = p.username
		}
		if err := p.tr.WriteLine(token); err != nil {
			return StateUnknown, err
		}

		chunk, err := p.tr.ReadAvailable(p.attemptTimeout)
		if err != nil {
			return StateUnknown, err
		}
		if len(chunk) == 0 {
			continue
		}
		sawOutput = true
		buf.Write(chunk)
		clean := Sanitize(buf.String())

		// 密码提示：发送配置密码后对照提示符模式检查后续输出
		if passwordPrompt.MatchString(clean) {
			if err := p.tr.WriteLine(p.password); err != nil {
				return StateUnknown, err
			}
			chunk, err = p.tr.ReadAvailable(p.attemptTimeout)
			if err != nil {
				return StateUnknown, err
			}
			buf.Write(chunk)
			clean = Sanitize(buf.String())
		}

		if _, ok := p.matcher.Match(clean); ok {
			logger.WithField("attempt", attempt+1).Debug("serial probe matched shell prompt")
			return StateLinuxShellAlive, nil
		}
	}

	if sawOutput {
		return StateAliveNoShell, ErrProbeAliveNoShell
	}
	return StateNoTerminal, ErrProbeNoTerminal
}

// ProbeNetwork 网络通道二态判定：Open 成功即 Up，失败即 Down。
// 网络会话要么完成认证要么失败，无需多态探测
func (p *LivenessProber) ProbeNetwork() ConnectionState {
	return StateUp
}

// passwordPrompt 探测阶段的密码请求签名
var passwordPrompt = regexp.MustCompile(`(?i)(?:password\s*:)[ \t]*$`)
