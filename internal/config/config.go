package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MESSENGER"

type Config struct {
	App          AppConfig          `mapstructure:"app" yaml:"app"`
	HTTP         HTTPConfig         `mapstructure:"http" yaml:"http"`
	WebTransport WebTransportConfig `mapstructure:"webtransport" yaml:"webtransport"`
	Connection   ConnectionConfig   `mapstructure:"connection" yaml:"connection"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat" yaml:"heartbeat"`
	Conversation ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	Call         CallConfig         `mapstructure:"call" yaml:"call"`
	JWT          JWTConfig          `mapstructure:"jwt" yaml:"jwt"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	NATS         NATSConfig         `mapstructure:"nats" yaml:"nats"`
	WorkerPool   WorkerPoolConfig   `mapstructure:"worker_pool" yaml:"worker_pool"`
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	NodeID   int64  `mapstructure:"node_id" yaml:"node_id"` // 雪花节点号，集群内唯一
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Mode            string        `mapstructure:"mode" yaml:"mode"` // gin 模式: debug/release/test
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WebTransportConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Path            string        `mapstructure:"path" yaml:"path"`
	CertFile        string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile         string        `mapstructure:"key_file" yaml:"key_file"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
}

type ConnectionConfig struct {
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	MaxFrameSize   int           `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// HeartbeatConfig 客户端每 Interval 发送一次心跳，连续 MaxMissed 次未收到即视为离线
type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxMissed int           `mapstructure:"max_missed" yaml:"max_missed"`
}

// Timeout 判定离线的静默时长
func (h HeartbeatConfig) Timeout() time.Duration {
	return h.Interval * time.Duration(h.MaxMissed)
}

type ConversationConfig struct {
	PinnedLimit     int `mapstructure:"pinned_limit" yaml:"pinned_limit"` // 0 表示不限制
	MaxTextLength   int `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxMedia        int `mapstructure:"max_media" yaml:"max_media"`
	DefaultPageSize int `mapstructure:"default_page_size" yaml:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size" yaml:"max_page_size"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
}

type JWTConfig struct {
	SecretKey     string        `mapstructure:"secret_key" yaml:"secret_key"`
	AccessExpire  time.Duration `mapstructure:"access_expire" yaml:"access_expire"`
	RefreshExpire time.Duration `mapstructure:"refresh_expire" yaml:"refresh_expire"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres 或 memory
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// DSN 生成 pgx 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// GetAddr 获取 Redis 地址
func (c RedisConfig) GetAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.Host != "" && c.Port > 0 {
		return c.Host + ":" + strconv.Itoa(c.Port)
	}
	return "localhost:6379"
}

// NATSConfig URL 为空时单节点运行
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size" yaml:"size"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "messenger")
	v.SetDefault("app.node_id", 1)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("webtransport.enabled", false)
	v.SetDefault("webtransport.addr", ":4433")
	v.SetDefault("webtransport.path", "/webtransport")
	v.SetDefault("webtransport.max_idle_timeout", 90*time.Second)
	v.SetDefault("webtransport.keep_alive_period", 15*time.Second)
	v.SetDefault("webtransport.auth_timeout", 10*time.Second)

	v.SetDefault("connection.max_connections", 100000)
	v.SetDefault("connection.send_buffer", 256)
	v.SetDefault("connection.max_frame_size", 64*1024)
	v.SetDefault("connection.write_timeout", 10*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.max_missed", 2)

	v.SetDefault("conversation.pinned_limit", 0)
	v.SetDefault("conversation.max_text_length", 5000)
	v.SetDefault("conversation.max_media", 10)
	v.SetDefault("conversation.default_page_size", 20)
	v.SetDefault("conversation.max_page_size", 100)

	v.SetDefault("call.ring_timeout", 45*time.Second)

	v.SetDefault("jwt.secret_key", "change-me")
	v.SetDefault("jwt.access_expire", 2*time.Hour)
	v.SetDefault("jwt.refresh_expire", 7*24*time.Hour)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "messenger")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.query_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.pool_size", 100)

	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.subject_prefix", "messenger")
	v.SetDefault("nats.workers", 8)

	v.SetDefault("worker_pool.size", 64)
	v.SetDefault("worker_pool.queue_size", 4096)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
}

// Load 加载配置。path 为空时只使用默认值和环境变量；
// 环境变量 MESSENGER_<SECTION>_<KEY> 覆盖文件中的值
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 兼容部署环境里通用的变量名
func (c *Config) applyEnv() {
	c.JWT.SecretKey = getEnv("JWT_SECRET", c.JWT.SecretKey)

	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("POSTGRES_DB", c.Database.Name)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		return fmt.Errorf("config: app.node_id must be in [0, 1023], got %d", c.App.NodeID)
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("config: heartbeat interval and max_missed must be positive")
	}
	if c.Connection.SendBuffer <= 0 {
		return fmt.Errorf("config: connection.send_buffer must be positive")
	}
	if c.Conversation.PinnedLimit < 0 {
		return fmt.Errorf("config: conversation.pinned_limit must not be negative")
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// Dump 以 YAML 输出生效配置，密钥类字段打码
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	masked.JWT.SecretKey = mask(masked.JWT.SecretKey)
	masked.Database.Password = mask(masked.Database.Password)
	masked.Redis.Password = mask(masked.Redis.Password)
	return yaml.Marshal(&masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
