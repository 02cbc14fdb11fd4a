package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Storage struct {
		// 所有资产的本地根目录，资产路径一律相对于该目录存储
		Root       string `yaml:"root"`
		FFmpegPath string `yaml:"ffmpeg_path"`
	} `yaml:"storage"`
	AI struct {
		TextAPI  string `yaml:"text_api"`
		TextKey  string `yaml:"text_key"`
		ImageAPI string `yaml:"image_api"`
		VoiceAPI string `yaml:"voice_api"`
	} `yaml:"ai"`
	Worker struct {
		// asynq 消费者并发数（跨段落的任务并发上限）
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
	// .env 可覆盖敏感配置（本地开发用，不存在时忽略）
	_ = godotenv.Load()

	path := os.Getenv("LUMICREATE_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}

	if v := os.Getenv("MYSQL_DSN"); v != "" {
		AppConfig.MySQL.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		AppConfig.Redis.Addr = v
	}
	if v := os.Getenv("TEXT_API_KEY"); v != "" {
		AppConfig.AI.TextKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		AppConfig.MinIO.SecretKey = v
	}

	if AppConfig.Storage.Root == "" {
		AppConfig.Storage.Root = "storage"
	}
	if AppConfig.Storage.FFmpegPath == "" {
		AppConfig.Storage.FFmpegPath = "ffmpeg"
	}
	if AppConfig.Worker.Concurrency <= 0 {
		AppConfig.Worker.Concurrency = 5
	}
}
