package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicerunnerpro/devicerunnerpro/internal/engine"
	"github.com/devicerunnerpro/devicerunnerpro/internal/model"
)

// SessionContext 注册表中的会话条目
type SessionContext struct {
	SessionID string                 `json:"session_id"`
	TaskID    string                 `json:"task_id"`
	Host      string                 `json:"host"`
	Status    string                 `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time,omitempty"`
	Summary   *engine.SessionSummary `json:"summary,omitempty"`
	ErrorMsg  string                 `json:"error_msg,omitempty"`

	cancel context.CancelFunc
}

// SessionRegistry 运行中会话注册表。
// 服务模式下支撑状态查询与取消；条目在完成后保留一段时间供查询
type SessionRegistry struct {
	mutex    sync.RWMutex
	sessions map[string]*SessionContext
	// retention 已完成条目的保留时长
	retention time.Duration
}

// NewSessionRegistry 创建注册表
func NewSessionRegistry() *SessionRegistry {
	r := &SessionRegistry{
		sessions:  make(map[string]*SessionContext),
		retention: 30 * time.Minute,
	}
	go r.cleanup()
	return r
}

// Add 登记新会话
func (r *SessionRegistry) Add(sessionID, taskID, host string, cancel context.CancelFunc) *SessionContext {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sc := &SessionContext{
		SessionID: sessionID,
		TaskID:    taskID,
		Host:      host,
		Status:    model.SessionStatusRunning,
		StartTime: time.Now(),
		cancel:    cancel,
	}
	r.sessions[sessionID] = sc
	return sc
}

// Get 查询会话
func (r *SessionRegistry) Get(sessionID string) (*SessionContext, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	sc, ok := r.sessions[sessionID]
	return sc, ok
}

// Cancel 取消运行中的会话
func (r *SessionRegistry) Cancel(sessionID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sc, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if sc.Status != model.SessionStatusRunning {
		return fmt.Errorf("session %s is not running (status=%s)", sessionID, sc.Status)
	}
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.Status = model.SessionStatusCancelled
	sc.EndTime = time.Now()
	return nil
}

// Finish 标记会话完成
func (r *SessionRegistry) Finish(sessionID, status string, summary *engine.SessionSummary, errMsg string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	sc, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	// 已被取消的条目保留取消状态
	if sc.Status == model.SessionStatusCancelled {
		sc.Summary = summary
		sc.EndTime = time.Now()
		return
	}
	sc.Status = status
	sc.Summary = summary
	sc.ErrorMsg = errMsg
	sc.EndTime = time.Now()
}

// Running 当前运行中的会话数
func (r *SessionRegistry) Running() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	count := 0
	for _, sc := range r.sessions {
		if sc.Status == model.SessionStatusRunning {
			count++
		}
	}
	return count
}

// cleanup 定期清理过期的已完成条目
func (r *SessionRegistry) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		r.mutex.Lock()
		for id, sc := range r.sessions {
			if sc.Status == model.SessionStatusRunning {
				continue
			}
			if !sc.EndTime.IsZero() && now.Sub(sc.EndTime) > r.retention {
				delete(r.sessions, id)
			}
		}
		r.mutex.Unlock()
	}
}
