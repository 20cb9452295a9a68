package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/internal/engine"
)

func localStorageConfig(t *testing.T) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{
			Backend: "local",
			Local: config.LocalStoreConfig{
				BaseDir: t.TempDir(),
				Prefix:  "sessions",
			},
		},
	}
}

// TestLocalTranscriptWrite 本地落盘路径层级与内容
func TestLocalTranscriptWrite(t *testing.T) {
	cfg := localStorageConfig(t)
	writer := NewTranscriptWriter(cfg)

	obj, err := writer.Write(context.Background(), TranscriptMeta{
		SessionID:    "abc-123",
		Host:         "192.168.1.100",
		DateYYYYMMDD: "20260830",
		TimeHHMMSS:   "120000",
	}, "session content\n")
	require.NoError(t, err)

	assert.Equal(t, "local", obj.Backend)
	assert.Equal(t, int64(len("session content\n")), obj.Size)

	expected := filepath.Join(cfg.Storage.Local.BaseDir, "sessions", "192.168.1.100", "20260830", "abc-123.txt")
	assert.Equal(t, expected, obj.Path)

	data, err := os.ReadFile(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, "session content\n", string(data))
}

// TestTranscriptHostSanitized 主机名中的特殊字符不破坏目录层级
func TestTranscriptHostSanitized(t *testing.T) {
	cfg := localStorageConfig(t)
	writer := NewTranscriptWriter(cfg)

	obj, err := writer.Write(context.Background(), TranscriptMeta{
		SessionID:    "s1",
		Host:         "../evil host",
		DateYYYYMMDD: "20260830",
	}, "x")
	require.NoError(t, err)

	// 分隔符被替换，目录层级保持在 baseDir 之内
	expected := filepath.Join(cfg.Storage.Local.BaseDir, "sessions", ".._evil_host", "20260830", "s1.txt")
	assert.Equal(t, expected, obj.Path)
}

// TestTranscriptExplicitPath 请求指定落盘文件时绕过存储后端直写该文件
func TestTranscriptExplicitPath(t *testing.T) {
	cfg := localStorageConfig(t)
	svc := NewRunnerService(cfg)

	target := filepath.Join(t.TempDir(), "out", "session.txt")
	req := &RunRequest{Host: "192.168.1.100", TranscriptPath: target}
	summary := &engine.SessionSummary{ReturnCode: engine.ExitOK, FailedIndex: -1}

	obj, err := svc.writeTranscript(context.Background(), "sess-1", req, summary)
	require.NoError(t, err)

	assert.Equal(t, "file", obj.Backend)
	assert.Equal(t, target, obj.Path)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session: sess-1")
	// 存储后端目录下不应出现该会话
	assert.NoFileExists(t, filepath.Join(cfg.Storage.Local.BaseDir, "sessions", "192.168.1.100"))
}

// TestTranscriptMinioFallback MinIO 未配置时回退本地
func TestTranscriptMinioFallback(t *testing.T) {
	cfg := localStorageConfig(t)
	cfg.Storage.Backend = "minio"
	// 未配置 minio.host，客户端不会初始化

	writer := NewTranscriptWriter(cfg)
	obj, err := writer.Write(context.Background(), TranscriptMeta{
		SessionID:    "s2",
		Host:         "device",
		DateYYYYMMDD: "20260830",
	}, "fallback content")
	require.NoError(t, err)
	assert.Equal(t, "local", obj.Backend, "MinIO 不可用时应回退本地而不是失败")
}

// TestSanitizePathPart 路径片段清洗
func TestSanitizePathPart(t *testing.T) {
	assert.Equal(t, "192.168.1.1", sanitizePathPart("192.168.1.1"))
	assert.Equal(t, "dev_ttyUSB0", sanitizePathPart("dev/ttyUSB0"))
	assert.Equal(t, "unknown", sanitizePathPart("  "))
}
