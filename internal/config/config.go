package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 默认配置文件路径，可用 RUNLOG_CONFIG 覆盖
const DefaultPath = "config/config.yaml"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Client      ClientConfig      `yaml:"client"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// gin 模式：debug/release/test
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	// mysql / sqlite
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	// sqlite 文件路径
	Path string `yaml:"path"`
}

type LogConfig struct {
	// debug/info/warn/error
	Level string `yaml:"level"`
	// text/json
	Format string `yaml:"format"`
}

type ExperimentsConfig struct {
	// 创建 run 时实验不存在是否自动创建
	AutoCreate bool `yaml:"auto_create"`
}

type ClientConfig struct {
	// runlog log 命令连接的服务地址
	Server string `yaml:"server"`
	// 客户端日志批量发送的节流窗口
	Throttle time.Duration `yaml:"throttle"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// PathFromEnv 返回 RUNLOG_CONFIG 指定的路径，未设置时返回默认路径
func PathFromEnv() string {
	if p := os.Getenv("RUNLOG_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Charset == "" {
			c.Database.Charset = "utf8mb4"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/runlog.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Client.Server == "" {
		c.Client.Server = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	if c.Client.Throttle <= 0 {
		c.Client.Throttle = 500 * time.Millisecond
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return fmt.Errorf("mysql 配置缺少 host 或 dbname")
		}
	case "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	return nil
}
