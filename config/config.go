package config

import (
	"database/sql"
	"fmt"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
	"proctoring-recorder/constant"
	"strings"
	"time"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	MinIORegion string        `yaml:"minio_region"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Server      Server        `yaml:"server"`
	Backends    Backends      `yaml:"backends"`
	Merge       Merge         `yaml:"merge"`
	Sweep       Sweep         `yaml:"sweep"`
	Media       Media         `yaml:"media"`
	Upload      Upload        `yaml:"upload"`
	Tracing     Tracing       `yaml:"tracing"`
}

type App struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

// Backends selects where new segments and recordings are written.
type Backends struct {
	Default   constant.StorageBackend `yaml:"default"`
	LocalRoot string                  `yaml:"local_root"`
}

type Merge struct {
	Strategy     constant.MergeStrategy `yaml:"strategy"`
	StagingDir   string                 `yaml:"staging_dir"`
	FFmpegPath   string                 `yaml:"ffmpeg_path"`
	FFprobePath  string                 `yaml:"ffprobe_path"`
	MaxTries     uint                   `yaml:"max_tries"`
	MaxInterval  time.Duration          `yaml:"max_interval"`
	ReclaimAfter time.Duration          `yaml:"reclaim_after"`
}

type Sweep struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	VerifyBytes bool          `yaml:"verify_bytes"`
}

type Media struct {
	BufferSize int `yaml:"buffer_size"`
}

type Upload struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type Tracing struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func setDefaults() {
	viper.SetDefault("app.name", "proctoring-recorder")
	viper.SetDefault("app.environment", constant.EnvironmentDevelop.String())
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.workers", 4)
	viper.SetDefault("rabbitmq_kind", "topic")
	viper.SetDefault("rabbitmq_exchange", "proctoring_exchange")
	viper.SetDefault("storage.default_backend", constant.StorageBackendObjectStore.String())
	viper.SetDefault("storage.local_root", "data/proctoring")
	viper.SetDefault("merge.strategy", string(constant.MergeStrategyFFmpeg))
	viper.SetDefault("merge.staging_dir", "temp")
	viper.SetDefault("merge.ffmpeg_path", "ffmpeg")
	viper.SetDefault("merge.ffprobe_path", "ffprobe")
	viper.SetDefault("merge.max_tries", 5)
	viper.SetDefault("merge.max_interval", 10*time.Second)
	viper.SetDefault("merge.reclaim_after", 30*time.Minute)
	viper.SetDefault("sweep.interval", time.Hour)
	viper.SetDefault("sweep.batch_size", 200)
	viper.SetDefault("sweep.verify_bytes", false)
	viper.SetDefault("media.buffer_size", 32*1024)
	viper.SetDefault("upload.max_size_bytes", 64<<20)
	viper.SetDefault("tracing.sample_ratio", 1.0)
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host:         viper.GetString("rabbitmq_host"),
		Port:         viper.GetInt("rabbitmq_port"),
		User:         viper.GetString("rabbitmq_user"),
		Pass:         viper.GetString("rabbitmq_pass"),
		ExchangeName: viper.GetString("rabbitmq_exchange"),
		Kind:         viper.GetString("rabbitmq_kind"),
	}

	var minioClient *minio.Client
	if url := viper.GetString("minio.url"); url != "" {
		minioClient, err = minio.New(url, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
			Secure: viper.GetBool("minio.secure"),
			Region: viper.GetString("minio.region"),
		})
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		MinIORegion: viper.GetString("minio.region"),
		App: App{
			Name:        viper.GetString("app.name"),
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		Backends: Backends{
			Default:   constant.StorageBackend(viper.GetString("storage.default_backend")),
			LocalRoot: viper.GetString("storage.local_root"),
		},
		Merge: Merge{
			Strategy:     constant.MergeStrategy(viper.GetString("merge.strategy")),
			StagingDir:   viper.GetString("merge.staging_dir"),
			FFmpegPath:   viper.GetString("merge.ffmpeg_path"),
			FFprobePath:  viper.GetString("merge.ffprobe_path"),
			MaxTries:     viper.GetUint("merge.max_tries"),
			MaxInterval:  viper.GetDuration("merge.max_interval"),
			ReclaimAfter: viper.GetDuration("merge.reclaim_after"),
		},
		Sweep: Sweep{
			Interval:    viper.GetDuration("sweep.interval"),
			BatchSize:   viper.GetInt("sweep.batch_size"),
			VerifyBytes: viper.GetBool("sweep.verify_bytes"),
		},
		Media: Media{
			BufferSize: viper.GetInt("media.buffer_size"),
		},
		Upload: Upload{
			MaxSizeBytes: viper.GetInt64("upload.max_size_bytes"),
		},
		Tracing: Tracing{
			Endpoint:    viper.GetString("tracing.endpoint"),
			Insecure:    viper.GetBool("tracing.insecure"),
			SampleRatio: viper.GetFloat64("tracing.sample_ratio"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !c.Backends.Default.Valid() {
		return fmt.Errorf("storage.default_backend: unknown backend %q", c.Backends.Default)
	}
	if c.Backends.Default == constant.StorageBackendObjectStore && c.Storage == nil {
		return fmt.Errorf("storage.default_backend is %q but minio.url is empty", c.Backends.Default)
	}
	if c.Storage != nil && c.MinIOBucket == "" {
		return fmt.Errorf("minio.bucket is required")
	}
	switch c.Merge.Strategy {
	case constant.MergeStrategyFFmpeg, constant.MergeStrategyBytes:
	default:
		return fmt.Errorf("merge.strategy: unknown strategy %q", c.Merge.Strategy)
	}
	if c.Media.BufferSize <= 0 {
		return fmt.Errorf("media.buffer_size must be positive")
	}
	return nil
}
