package engine

import (
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// ConnectionState 通道活性分类。每个已打开的通道在执行任何命令前
// 必须且仅被赋值一次；一经判定本会话内不再重新评估
type ConnectionState string

const (
	StateUnknown ConnectionState = "unknown"
	// 串口三态分类
	StateLinuxShellAlive  ConnectionState = "linux_shell_alive"
	StateAliveNoShell     ConnectionState = "alive_no_linux_shell"
	StateNoTerminal       ConnectionState = "no_terminal"
	// 网络二态分类
	StateUp   ConnectionState = "up"
	StateDown ConnectionState = "down"
)

// Usable 是否允许在该状态下执行命令
func (s ConnectionState) Usable() bool {
	return s == StateLinuxShellAlive || s == StateUp
}

// CommandStatus 单命令终态
type CommandStatus string

const (
	StatusCompleted  CommandStatus = "completed"
	StatusTimedOut   CommandStatus = "timed_out"
	StatusUnresolved CommandStatus = "interactive_prompt_unresolved"
	StatusAborted    CommandStatus = "aborted"
)

// CommandRequest 单命令请求。TimeoutSec 为0时使用会话默认；
// 会话默认也为0时该命令不设独立超时
type CommandRequest struct {
	Text       string `json:"text"`
	TimeoutSec int    `json:"timeout_sec"`
}

// CommandResult 单命令结果。顺序与请求顺序严格一致
type CommandResult struct {
	Command string        `json:"command"`
	Output  string        `json:"output"`
	Status  CommandStatus `json:"status"`
	// PromptText 未解决的交互提示文本（仅 Unresolved 时有值）
	PromptText string        `json:"prompt_text,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// SessionSummary 会话汇总，产出后不可变
type SessionSummary struct {
	Transport       transport.Kind   `json:"transport"`
	ConnectionState ConnectionState  `json:"connection_state"`
	Results         []*CommandResult `json:"results"`
	Duration        time.Duration    `json:"duration"`
	ReturnCode      int              `json:"return_code"`
	// FailedIndex 第一个非 Completed 命令的下标，-1 表示全部完成
	FailedIndex int `json:"failed_index"`
	// FailureReason 终止进展的失败描述（无失败时为空）
	FailureReason string `json:"failure_reason,omitempty"`
}
