package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// PromptSpec 提示符模式与用户名替换值。每个会话解析一次
type PromptSpec struct {
	// Pattern 正则模式，可包含 {username} 占位符
	Pattern  string
	Username string
}

// PromptMatcher 已解析的提示符匹配器。
// 仅匹配累积输出的末尾（锚定结尾），避免命令输出中
// 夹带的类提示符文本被误判为命令结束
type PromptMatcher struct {
	re *regexp.Regexp
}

// Resolve 将占位符替换为具体用户名并编译为结尾锚定的匹配器
func (s PromptSpec) Resolve() (*PromptMatcher, error) {
	pattern := strings.TrimSpace(s.Pattern)
	if pattern == "" {
		return nil, fmt.Errorf("prompt pattern is empty")
	}
	pattern = strings.ReplaceAll(pattern, "{username}", regexp.QuoteMeta(s.Username))
	re, err := regexp.Compile(`(?:` + pattern + `)[ \t]*$`)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt pattern %q: %w", s.Pattern, err)
	}
	return &PromptMatcher{re: re}, nil
}

// Match 测试清洗后的缓冲区末尾是否处于空闲提示符。
// 命中时返回提示符之前的内容作为命令捕获输出
func (m *PromptMatcher) Match(clean string) (output string, ok bool) {
	loc := m.re.FindStringIndex(clean)
	if loc == nil {
		return "", false
	}
	return clean[:loc[0]], true
}

// 交互提示应答动作。签名集合是配置表而非封闭枚举，
// 新签名在运维中持续发现并通过配置补充
const (
	// ActionPassword 发送会话配置的密码
	ActionPassword = "password"
	// ActionAnswer 发送签名配置的应答文本（附带换行）
	ActionAnswer = "answer"
	// ActionRaw 发送签名配置的原始字节（不带换行，用于分页器/编辑器退出）
	ActionRaw = "raw"
	// ActionUnresolved 无法自动应答，标记该命令为交互未解决
	ActionUnresolved = "unresolved"
)

// Signature 单条交互提示签名
type Signature struct {
	Name     string
	Pattern  string
	Action   string
	Response string
}

type compiledSignature struct {
	Signature
	re *regexp.Regexp
}

// SignatureHit 一次签名命中
type SignatureHit struct {
	Name     string
	Action   string
	Response string
	// Prompt 命中的提示文本，作为未解决时的诊断载荷
	Prompt string
	// End 命中在清洗缓冲区中的结束偏移，用于防止同一命中被重复应答
	End int
}

// InteractDetector 交互提示检测器。对每次输出追加独立扫描，
// 且先于提示符匹配执行：密码提示自身可能形似Shell提示符片段
type InteractDetector struct {
	signatures []compiledSignature
}

// NewInteractDetector 编译签名表。模式统一按大小写不敏感、结尾锚定编译
func NewInteractDetector(signatures []Signature) (*InteractDetector, error) {
	compiled := make([]compiledSignature, 0, len(signatures))
	for _, sig := range signatures {
		if strings.TrimSpace(sig.Pattern) == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(?:` + sig.Pattern + `)[ \t]*$`)
		if err != nil {
			return nil, fmt.Errorf("invalid interact signature %q: %w", sig.Name, err)
		}
		compiled = append(compiled, compiledSignature{Signature: sig, re: re})
	}
	return &InteractDetector{signatures: compiled}, nil
}

// Scan 检查清洗缓冲区末尾是否停在已知的阻塞提示上。
// minEnd 之前的命中视为已应答过，跳过以避免重复应答
func (d *InteractDetector) Scan(clean string, minEnd int) *SignatureHit {
	for _, sig := range d.signatures {
		loc := sig.re.FindStringIndex(clean)
		if loc == nil || loc[1] <= minEnd {
			continue
		}
		// 诊断载荷取命中行（最后一行）便于定位
		prompt := clean[loc[0]:loc[1]]
		if idx := strings.LastIndex(clean[:loc[1]], "\n"); idx >= 0 && idx+1 > loc[0] {
			prompt = clean[idx+1 : loc[1]]
		}
		return &SignatureHit{
			Name:     sig.Name,
			Action:   sig.Action,
			Response: sig.Response,
			Prompt:   strings.TrimSpace(prompt),
			End:      loc[1],
		}
	}
	return nil
}

// DefaultSignatures 内置签名表兜底。配置文件可整体覆盖或追加
func DefaultSignatures() []Signature {
	return []Signature{
		{Name: "password", Pattern: `password[^:\n]*:`, Action: ActionPassword},
		{Name: "confirm-yes-no", Pattern: `\(yes/no[^)]*\)[?:]?`, Action: ActionAnswer, Response: "yes"},
		{Name: "confirm-y-n", Pattern: `\[y(?:es)?/n(?:o)?\][?:]?`, Action: ActionAnswer, Response: "y"},
		{Name: "pager-more", Pattern: `--\s*more\s*--|\(END\)`, Action: ActionRaw, Response: "q"},
		// 全屏编辑器接管：发送 ESC :q! 回车退出
		{Name: "editor-vim", Pattern: `--\s*insert\s*--`, Action: ActionRaw, Response: "\x1b:q!\r"},
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][A-Z0-9]`)

// Sanitize 清洗原始输出：移除ANSI转义序列与不可见控制符，
// 统一换行为 \n，孤立 CR 去除，便于稳定的提示符与签名匹配
func Sanitize(raw string) string {
	s := ansiEscape.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch < 0x20 && ch != '\n' && ch != '\t' {
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
