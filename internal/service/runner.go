package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/internal/database"
	"github.com/devicerunnerpro/devicerunnerpro/internal/engine"
	"github.com/devicerunnerpro/devicerunnerpro/internal/model"
	"github.com/devicerunnerpro/devicerunnerpro/internal/util"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/transport"
)

// RunRequest 单目标执行请求。未填写的连接参数回退到配置默认值
type RunRequest struct {
	TaskID   string `json:"task_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`

	SerialDevice string `json:"serial_device"`
	Baud         int    `json:"baud"`

	// TransportPolicy 通道策略：auto | network-only | serial-only
	TransportPolicy string `json:"transport_policy"`
	PromptPattern   string `json:"prompt_pattern"`

	Commands []engine.CommandRequest `json:"commands"`

	// 超时字段为 nil 时使用配置默认；显式 0 表示无界
	CommandTimeoutSec *int `json:"command_timeout_sec,omitempty"`
	OverallTimeoutSec *int `json:"overall_timeout_sec,omitempty"`

	StopOnUnresolved bool `json:"stop_on_unresolved"`
	// TranscriptPath 指定会话记录落盘文件，优先于存储后端
	TranscriptPath string `json:"transcript_path"`
	// TranscriptBackend 覆盖默认存储后端（local|minio），空表示用配置默认
	TranscriptBackend string `json:"transcript_backend"`
	// SkipTranscript 为 true 时不落盘会话记录
	SkipTranscript bool `json:"skip_transcript"`
}

// RunResponse 单目标执行响应
type RunResponse struct {
	SessionID  string                 `json:"session_id"`
	Summary    *engine.SessionSummary `json:"summary"`
	Transcript *StoredObject          `json:"transcript,omitempty"`
}

// RunnerService 执行服务。把配置解析为引擎输入、构建通道工厂、
// 驱动会话运行，并完成历史持久化与会话记录落盘
type RunnerService struct {
	mutex    sync.RWMutex
	cfg      *config.Config
	writer   TranscriptWriter
	registry *SessionRegistry
}

// NewRunnerService 创建执行服务
func NewRunnerService(cfg *config.Config) *RunnerService {
	return &RunnerService{
		cfg:      cfg,
		writer:   NewTranscriptWriter(cfg),
		registry: NewSessionRegistry(),
	}
}

// Registry 会话注册表
func (s *RunnerService) Registry() *SessionRegistry {
	return s.registry
}

// UpdateConfig 热更新配置。服务模式下由配置文件监听触发，
// 主要用于运行期补充新发现的交互提示签名
func (s *RunnerService) UpdateConfig(cfg *config.Config) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cfg = cfg
	logger.WithField("signatures", len(cfg.Interact.Signatures)).Info("runner config reloaded")
}

func (s *RunnerService) snapshot() *config.Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cfg
}

// Execute 执行单目标会话。返回的错误仅表示会话级失败
// （连接、认证、探测分类）；单命令失败体现在 Summary 中
func (s *RunnerService) Execute(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	sessionID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registry.Add(sessionID, req.TaskID, req.Host, cancel)
	return s.execute(runCtx, sessionID, req)
}

// ExecuteAsync 异步执行。先注册会话再返回，调用方可立即用
// 返回的会话ID查询状态或取消
func (s *RunnerService) ExecuteAsync(req *RunRequest) string {
	sessionID := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())
	s.registry.Add(sessionID, req.TaskID, req.Host, cancel)
	go func() {
		defer cancel()
		if _, err := s.execute(runCtx, sessionID, req); err != nil {
			logger.WithSession(sessionID).WithField("error", err.Error()).Warn("async session failed")
		}
	}()
	return sessionID
}

func (s *RunnerService) execute(ctx context.Context, sessionID string, req *RunRequest) (*RunResponse, error) {
	cfg := s.snapshot()
	summary, runErr := s.run(ctx, cfg, req)

	status := model.SessionStatusSuccess
	errMsg := ""
	if runErr != nil || summary.ReturnCode != engine.ExitOK {
		status = model.SessionStatusFailed
		errMsg = summary.FailureReason
	}
	s.registry.Finish(sessionID, status, summary, errMsg)

	resp := &RunResponse{SessionID: sessionID, Summary: summary}

	// 历史持久化与记录落盘都是尽力而为，不影响会话结果
	s.persist(sessionID, req, summary)
	if !req.SkipTranscript {
		// 会话被取消时 ctx 已失效，落盘用独立上下文
		if obj, err := s.writeTranscript(context.Background(), sessionID, req, summary); err == nil {
			resp.Transcript = &obj
		} else {
			logger.WithSession(sessionID).WithField("error", err.Error()).Warn("failed to write transcript")
		}
	}

	return resp, runErr
}

// ExecuteBatch 并行执行多个互相独立的目标。
// 不同目标的通道彼此独立可以并行；单目标内命令仍严格串行
func (s *RunnerService) ExecuteBatch(ctx context.Context, reqs []*RunRequest) []*RunResponse {
	cfg := s.snapshot()
	concurrent := cfg.Runner.Concurrent
	if concurrent <= 0 {
		concurrent = 8
	}

	responses := make([]*RunResponse, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrent)

	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Execute(gctx, req)
			if err != nil {
				logger.WithTarget(req.Host).WithField("error", err.Error()).Warn("batch target failed")
			}
			responses[i] = resp
			// 单目标失败不取消整批
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// run 把请求与配置默认值合并为引擎输入并运行会话
func (s *RunnerService) run(ctx context.Context, cfg *config.Config, req *RunRequest) (*engine.SessionSummary, error) {
	policy, err := engine.ParsePolicy(firstNonEmpty(req.TransportPolicy, cfg.Runner.TransportPolicy))
	if err != nil {
		return &engine.SessionSummary{
			ConnectionState: engine.StateUnknown,
			ReturnCode:      engine.ExitConnectFailed,
			FailedIndex:     -1,
			FailureReason:   err.Error(),
		}, err
	}

	host := firstNonEmpty(req.Host, cfg.Connection.Host)
	port := req.Port
	if port <= 0 {
		port = cfg.Connection.Port
	}
	username := firstNonEmpty(req.Username, cfg.Connection.Username)
	password := firstNonEmpty(req.Password, cfg.Connection.Password)
	device := firstNonEmpty(req.SerialDevice, cfg.Serial.Device)
	baud := req.Baud
	if baud <= 0 {
		baud = cfg.Serial.Baud
	}

	selector := &engine.Selector{
		Policy: policy,
		NetworkFactory: func() transport.Transport {
			return transport.NewNetworkTransport(transport.NetworkConfig{
				Host:           host,
				Port:           port,
				Username:       username,
				Password:       password,
				ConnectTimeout: time.Duration(cfg.Connection.ConnectTimeoutSec) * time.Second,
			})
		},
		SerialFactory: func() transport.Transport {
			return transport.NewSerialTransport(transport.SerialConfig{
				Device: device,
				Baud:   baud,
			})
		},
		Username:            username,
		Password:            password,
		ProbeAttempts:       cfg.Runner.ProbeAttempts,
		ProbeAttemptTimeout: cfg.ProbeAttemptTimeout(),
	}

	sessionConfig := engine.SessionConfig{
		PromptSpec: engine.PromptSpec{
			Pattern:  firstNonEmpty(req.PromptPattern, cfg.Connection.PromptPattern),
			Username: username,
		},
		Signatures:        s.resolveSignatures(cfg),
		Password:          password,
		Commands:          req.Commands,
		CommandTimeoutSec: valueOr(req.CommandTimeoutSec, cfg.Runner.CommandTimeoutSec),
		OverallTimeoutSec: valueOr(req.OverallTimeoutSec, cfg.Runner.OverallTimeoutSec),
		PollSlice:         cfg.PollSlice(),
		StopOnUnresolved:  req.StopOnUnresolved || cfg.Runner.StopOnUnresolved,
	}

	runner := engine.NewSessionRunner(selector, sessionConfig)
	return runner.Run(ctx)
}

// resolveSignatures 合并内置签名表与配置签名表
func (s *RunnerService) resolveSignatures(cfg *config.Config) []engine.Signature {
	configured := make([]engine.Signature, 0, len(cfg.Interact.Signatures))
	for _, sc := range cfg.Interact.Signatures {
		configured = append(configured, engine.Signature{
			Name:     sc.Name,
			Pattern:  sc.Pattern,
			Action:   sc.Action,
			Response: sc.Response,
		})
	}
	if len(configured) == 0 {
		return engine.DefaultSignatures()
	}
	if cfg.Interact.Append {
		return append(configured, engine.DefaultSignatures()...)
	}
	return configured
}

// persist 将会话与命令结果写入历史库
func (s *RunnerService) persist(sessionID string, req *RunRequest, summary *engine.SessionSummary) {
	db := database.GetDB()
	if db == nil {
		return
	}

	status := model.SessionStatusSuccess
	if summary.ReturnCode != engine.ExitOK {
		status = model.SessionStatusFailed
	}
	record := &model.SessionRecord{
		ID:           sessionID,
		TaskID:       req.TaskID,
		Host:         req.Host,
		Port:         req.Port,
		SerialDevice: req.SerialDevice,
		Username:     req.Username,
		Policy:       req.TransportPolicy,
		Transport:    string(summary.Transport),
		LinkState:    string(summary.ConnectionState),
		Status:       status,
		ReturnCode:   summary.ReturnCode,
		CommandCount: len(summary.Results),
		ErrorMsg:     summary.FailureReason,
		Duration:     summary.Duration.Milliseconds(),
	}
	if err := db.Create(record).Error; err != nil {
		logger.WithSession(sessionID).WithField("error", err.Error()).Warn("failed to persist session record")
		return
	}

	for i, res := range summary.Results {
		cmd := &model.CommandRecord{
			ID:         uuid.New().String(),
			SessionID:  sessionID,
			Seq:        i,
			Command:    res.Command,
			Output:     util.EnsureUTF8(res.Output),
			Status:     string(res.Status),
			PromptText: res.PromptText,
			Duration:   res.Elapsed.Milliseconds(),
		}
		if err := db.Create(cmd).Error; err != nil {
			logger.WithSession(sessionID).WithField("error", err.Error()).Warn("failed to persist command record")
		}
	}
}

// writeTranscript 渲染并落盘完整会话记录。
// 请求指定了落盘文件时直接写该文件，否则走存储后端
func (s *RunnerService) writeTranscript(ctx context.Context, sessionID string, req *RunRequest, summary *engine.SessionSummary) (StoredObject, error) {
	if path := strings.TrimSpace(req.TranscriptPath); path != "" {
		content := RenderTranscript(sessionID, summary)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return StoredObject{}, fmt.Errorf("failed to create transcript dir: %w", err)
			}
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return StoredObject{}, fmt.Errorf("failed to write transcript file: %w", err)
		}
		return StoredObject{Backend: "file", Path: path, Size: int64(len(content))}, nil
	}

	now := time.Now()
	meta := TranscriptMeta{
		SessionID:    sessionID,
		Host:         firstNonEmpty(req.Host, req.SerialDevice),
		DateYYYYMMDD: now.Format("20060102"),
		TimeHHMMSS:   now.Format("150405"),
		Backend:      req.TranscriptBackend,
	}
	return s.writer.Write(ctx, meta, RenderTranscript(sessionID, summary))
}

// RenderTranscript 渲染文本形式的会话记录
func RenderTranscript(sessionID string, summary *engine.SessionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\n", sessionID)
	fmt.Fprintf(&b, "transport: %s\n", summary.Transport)
	fmt.Fprintf(&b, "link_state: %s\n", summary.ConnectionState)
	fmt.Fprintf(&b, "commands: %d\n", len(summary.Results))
	fmt.Fprintf(&b, "return_code: %d\n", summary.ReturnCode)
	fmt.Fprintf(&b, "duration: %s\n", summary.Duration)
	if summary.FailureReason != "" {
		fmt.Fprintf(&b, "failure: %s\n", summary.FailureReason)
	}
	for i, res := range summary.Results {
		fmt.Fprintf(&b, "\n--- [%d] %s (%s, %s) ---\n", i, res.Command, res.Status, res.Elapsed)
		if res.PromptText != "" {
			fmt.Fprintf(&b, "unresolved prompt: %s\n", res.PromptText)
		}
		b.WriteString(util.EnsureUTF8(res.Output))
		b.WriteString("\n")
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func valueOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
