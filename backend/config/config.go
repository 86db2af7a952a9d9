package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// InstanceID 跨实例推送时区分自己发出的消息，为空时启动时随机生成
		InstanceID string `mapstructure:"instanceId"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时使用内存存储（仅开发用）
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret     string        `mapstructure:"secret"`
		AccessTTL  time.Duration `mapstructure:"accessTTL"`
		RefreshTTL time.Duration `mapstructure:"refreshTTL"`
	} `mapstructure:"auth"`
	Ws struct {
		SendBuffer          int     `mapstructure:"sendBuffer"`
		MessagesPerSecond   float64 `mapstructure:"messagesPerSecond"`
		Burst               int     `mapstructure:"burst"`
		MaxConcurrentWrites int     `mapstructure:"maxConcurrentWrites"`
	} `mapstructure:"ws"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

// Load 读取 boardConfig.yaml，环境变量 BOARD_* 覆盖同名配置（BOARD_MYSQL_DSN -> mysql.dsn）。
// 配置文件不存在时只用默认值和环境变量
func Load(paths ...string) (*Config, error) {
	// .env 可选
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("boardConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("BOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 同时让 AutomaticEnv 知道有哪些 key，Unmarshal 才会读到环境变量
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.instanceId", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "board-activity")
	v.SetDefault("kafka.workers", 2)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.accessTTL", 30*time.Minute)
	v.SetDefault("auth.refreshTTL", 7*24*time.Hour)
	v.SetDefault("ws.sendBuffer", 32)
	v.SetDefault("ws.messagesPerSecond", 20)
	v.SetDefault("ws.burst", 40)
	v.SetDefault("ws.maxConcurrentWrites", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.allowOrigins", []string{"http://localhost:5173"})
}
