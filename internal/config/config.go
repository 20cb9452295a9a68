package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Serial     SerialConfig     `mapstructure:"serial"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Interact   InteractConfig   `mapstructure:"interact"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ConnectionConfig 目标设备连接默认值。
// 引擎只消费这里解析后的值，不自行读取任何全局状态
type ConnectionConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	ConnectTimeoutSec int    `mapstructure:"connect_timeout_sec"`
	// PromptPattern 提示符正则，支持 {username} 占位符
	PromptPattern string `mapstructure:"prompt_pattern"`
}

// SerialConfig 串口连接默认值
type SerialConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

// RunnerConfig 执行引擎配置
type RunnerConfig struct {
	// TransportPolicy 通道策略：auto | network-only | serial-only
	TransportPolicy string `mapstructure:"transport_policy"`
	// CommandTimeoutSec 单命令默认超时，0 表示无界
	CommandTimeoutSec int `mapstructure:"command_timeout_sec"`
	// OverallTimeoutSec 会话总预算，0 表示无界
	OverallTimeoutSec int `mapstructure:"overall_timeout_sec"`
	// PollSliceMS 读取轮询片（毫秒）
	PollSliceMS int `mapstructure:"poll_slice_ms"`
	// ProbeAttempts 串口探测的空读尝试次数
	ProbeAttempts int `mapstructure:"probe_attempts"`
	// ProbeAttemptTimeoutMS 单次探测读取的限时（毫秒）
	ProbeAttemptTimeoutMS int `mapstructure:"probe_attempt_timeout_ms"`
	// StopOnUnresolved 交互未解决时停止后续命令（默认继续）
	StopOnUnresolved bool `mapstructure:"stop_on_unresolved"`
	// TranscriptPath 命令行模式默认的会话记录输出文件（空表示不落盘）
	TranscriptPath string `mapstructure:"transcript_path"`
	// Concurrent 批量执行时的最大并行目标数
	Concurrent int `mapstructure:"concurrent"`
}

// InteractConfig 交互提示签名配置。
// 签名集合按配置表治理而非封闭枚举，新签名在运维中持续补充
type InteractConfig struct {
	Signatures []SignatureConfig `mapstructure:"signatures"`
	// Append 为 true 时签名追加在内置表之后，否则整体替换内置表
	Append bool `mapstructure:"append"`
}

// SignatureConfig 单条交互签名
type SignatureConfig struct {
	Name     string `mapstructure:"name"`
	Pattern  string `mapstructure:"pattern"`
	Action   string `mapstructure:"action"`
	Response string `mapstructure:"response"`
}

// StorageConfig 会话记录存储配置
type StorageConfig struct {
	// Backend 默认存储后端：local | minio
	Backend string           `mapstructure:"backend"`
	Local   LocalStoreConfig `mapstructure:"local"`
	Minio   MinioConfig      `mapstructure:"minio"`
}

// LocalStoreConfig 本地存储配置
type LocalStoreConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Secure    bool   `mapstructure:"secure"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	viper.SetEnvPrefix("DEVICE_RUNNER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return &config, nil
}

// Reload 重新读取当前配置文件。
// 服务模式下由文件监听触发，用于热加载交互签名表
func Reload() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to re-read config file: %w", err)
	}
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	globalConfig = &config
	return &config, nil
}

func setDefaults() {
	// 连接默认值
	viper.SetDefault("connection.port", 22)
	viper.SetDefault("connection.connect_timeout_sec", 10)
	// 默认提示符：user@host 后跟 $ 或 #（root）
	viper.SetDefault("connection.prompt_pattern", `{username}@[\w.-]+[^\n]*[#$]`)

	// 串口默认值
	viper.SetDefault("serial.device", "/dev/ttyUSB0")
	viper.SetDefault("serial.baud", 115200)

	// 执行引擎默认值
	viper.SetDefault("runner.transport_policy", "auto")
	viper.SetDefault("runner.command_timeout_sec", 30)
	viper.SetDefault("runner.overall_timeout_sec", 300)
	viper.SetDefault("runner.poll_slice_ms", 250)
	viper.SetDefault("runner.probe_attempts", 5)
	viper.SetDefault("runner.probe_attempt_timeout_ms", 2000)
	viper.SetDefault("runner.stop_on_unresolved", false)
	viper.SetDefault("runner.transcript_path", "")
	viper.SetDefault("runner.concurrent", 8)

	// 交互签名默认：追加模式（配置只补充内置表）
	viper.SetDefault("interact.append", true)
	viper.SetDefault("interact.signatures", []map[string]string{})

	// 存储默认走本地
	viper.SetDefault("storage.backend", "local")
	viper.SetDefault("storage.local.base_dir", "./data/transcripts")
	viper.SetDefault("storage.local.prefix", "sessions")
	viper.SetDefault("storage.minio.bucket", "device-runner")
	viper.SetDefault("storage.minio.prefix", "transcripts")

	// 数据库默认值
	viper.SetDefault("database.sqlite.path", "./data/device_runner.db")
	viper.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	// 服务默认值
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// 日志默认级别为 info
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "console")
	viper.SetDefault("log.file_path", "./logs/device_runner.log")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 5)
	viper.SetDefault("log.max_age", 30)
}

// Default 仅使用内置默认值构造配置，供无配置文件的命令行模式使用
func Default() (*Config, error) {
	setDefaults()
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	globalConfig = &config
	return &config, nil
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PollSlice 读取轮询片时长
func (c *Config) PollSlice() time.Duration {
	if c.Runner.PollSliceMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Runner.PollSliceMS) * time.Millisecond
}

// ProbeAttemptTimeout 单次探测读取限时
func (c *Config) ProbeAttemptTimeout() time.Duration {
	if c.Runner.ProbeAttemptTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Runner.ProbeAttemptTimeoutMS) * time.Millisecond
}
