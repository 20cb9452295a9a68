package model

import (
	"time"
)

// SessionRecord 会话历史记录
type SessionRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TaskID       string    `json:"task_id" gorm:"type:varchar(64);index"`
	Host         string    `json:"host" gorm:"type:varchar(128);not null"`
	Port         int       `json:"port" gorm:"not null;default:22"`
	SerialDevice string    `json:"serial_device" gorm:"type:varchar(128)"`
	Username     string    `json:"username" gorm:"type:varchar(64)"`
	Policy       string    `json:"policy" gorm:"type:varchar(16);not null"`
	Transport    string    `json:"transport" gorm:"type:varchar(16)"`
	LinkState    string    `json:"link_state" gorm:"type:varchar(32)"`
	Status       string    `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	ReturnCode   int       `json:"return_code"`
	CommandCount int       `json:"command_count"`
	ErrorMsg     string    `json:"error_msg" gorm:"type:text"`
	Duration     int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (SessionRecord) TableName() string {
	return "session_records"
}

// 会话状态枚举
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusSuccess   = "success"
	SessionStatusFailed    = "failed"
	SessionStatusCancelled = "cancelled"
)

// CommandRecord 单命令历史记录
type CommandRecord struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	SessionID  string    `json:"session_id" gorm:"type:varchar(64);not null;index"`
	Seq        int       `json:"seq" gorm:"not null"`
	Command    string    `json:"command" gorm:"type:text;not null"`
	Output     string    `json:"output" gorm:"type:text"`
	Status     string    `json:"status" gorm:"type:varchar(32);not null"`
	PromptText string    `json:"prompt_text" gorm:"type:text"`
	Duration   int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (CommandRecord) TableName() string {
	return "command_records"
}
