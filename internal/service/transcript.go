package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
)

// TranscriptWriter 会话记录写入器
type TranscriptWriter interface {
	Write(ctx context.Context, meta TranscriptMeta, content string) (StoredObject, error)
}

// TranscriptMeta 写入元数据
type TranscriptMeta struct {
	SessionID    string
	Host         string
	DateYYYYMMDD string
	TimeHHMMSS   string
	// Backend 覆盖默认后端：local|minio（空使用配置默认）
	Backend string
}

// StoredObject 已写入对象的位置信息
type StoredObject struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
}

// NewTranscriptWriter 根据配置创建写入器（按后端委派到本地或 MinIO）
func NewTranscriptWriter(cfg *config.Config) TranscriptWriter {
	dw := &delegatingTranscriptWriter{cfg: cfg, local: &localTranscriptWriter{cfg: cfg}}
	dw.minio = initMinioWriter(cfg)
	return dw
}

// delegatingTranscriptWriter 按后端路由写入
type delegatingTranscriptWriter struct {
	cfg   *config.Config
	local *localTranscriptWriter
	minio *minioTranscriptWriter
}

func (w *delegatingTranscriptWriter) Write(ctx context.Context, meta TranscriptMeta, content string) (StoredObject, error) {
	backend := strings.ToLower(strings.TrimSpace(meta.Backend))
	if backend == "" {
		backend = strings.ToLower(strings.TrimSpace(w.cfg.Storage.Backend))
	}
	if backend == "minio" {
		if w.minio == nil {
			// MinIO 未初始化：记录预警并回退到本地
			logger.Warn("MinIO backend selected but client not initialized; falling back to local")
			return w.local.Write(ctx, meta, content)
		}
		obj, err := w.minio.Write(ctx, meta, content)
		if err != nil {
			// 失败则记录预警并回退到本地，不中断会话流程
			logger.WithField("error", err.Error()).Warn("MinIO write failed; falling back to local")
			return w.local.Write(ctx, meta, content)
		}
		return obj, nil
	}
	return w.local.Write(ctx, meta, content)
}

// localTranscriptWriter 本地文件写入
type localTranscriptWriter struct {
	cfg *config.Config
}

func (w *localTranscriptWriter) Write(ctx context.Context, meta TranscriptMeta, content string) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Storage.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/transcripts"
	}

	// 层级：baseDir / prefix / host / date / sessionID.txt
	parts := []string{baseDir}
	if p := strings.TrimSpace(w.cfg.Storage.Local.Prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, sanitizePathPart(meta.Host), meta.DateYYYYMMDD)
	dir := filepath.Join(parts...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return StoredObject{}, fmt.Errorf("failed to create transcript dir: %w", err)
	}

	file := filepath.Join(dir, meta.SessionID+".txt")
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write transcript: %w", err)
	}
	return StoredObject{Backend: "local", Path: file, Size: int64(len(content))}, nil
}

// minioTranscriptWriter 对象存储写入
type minioTranscriptWriter struct {
	cfg    *config.Config
	client *minio.Client
}

func initMinioWriter(cfg *config.Config) *minioTranscriptWriter {
	mc := cfg.Storage.Minio
	if strings.TrimSpace(mc.Host) == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", mc.Host, mc.Port)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(mc.AccessKey, mc.SecretKey, ""),
		Secure: mc.Secure,
	})
	if err != nil {
		logger.WithField("error", err.Error()).Warn("failed to init MinIO client")
		return nil
	}
	return &minioTranscriptWriter{cfg: cfg, client: client}
}

func (w *minioTranscriptWriter) Write(ctx context.Context, meta TranscriptMeta, content string) (StoredObject, error) {
	mc := w.cfg.Storage.Minio
	objectName := path.Join(
		strings.Trim(mc.Prefix, "/"),
		sanitizePathPart(meta.Host),
		meta.DateYYYYMMDD,
		meta.TimeHHMMSS+"_"+meta.SessionID+".txt",
	)

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data := []byte(content)
	_, err := w.client.PutObject(putCtx, mc.Bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to put object %s: %w", objectName, err)
	}
	return StoredObject{Backend: "minio", Path: objectName, Size: int64(len(data))}, nil
}

var unsafePathChars = regexp.MustCompile(`[^\w.-]+`)

// sanitizePathPart 清洗路径片段，避免主机名中的特殊字符破坏目录层级
func sanitizePathPart(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return unsafePathChars.ReplaceAllString(s, "_")
}
