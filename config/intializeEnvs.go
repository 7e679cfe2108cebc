package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	godotenv "github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

const (
	ModeDispatcher = "dispatcher"
	ModeWorker     = "worker"
)

type Config struct {
	Env       string
	Mode      string `validate:"oneof=dispatcher worker"`
	LogLevel  string
	LogFormat string `validate:"omitempty,oneof=text json"`
	SentryDSN string `validate:"omitempty,url"`

	AwsRegion          string `validate:"required"`
	AwsAccessKeyID     string `validate:"required_with=AwsSecretAccessKey"`
	AwsSecretAccessKey string `validate:"required_with=AwsAccessKeyID"`

	JobStore      string `validate:"oneof=none redis pebble"`
	RedisAddr     string `validate:"required_if=JobStore redis"`
	RedisPassword string
	RedisDB       int           `validate:"min=0"`
	PebblePath    string        `validate:"required_if=JobStore pebble"`
	JobLockTTL    time.Duration `validate:"gt=0"`

	RabbitMqURL      string `validate:"omitempty,url"`
	RabbitMqExchange string `validate:"required_with=RabbitMqURL"`

	Dispatcher DispatcherConfig `validate:"-"`
	Worker     WorkerConfig     `validate:"-"`
}

type DispatcherConfig struct {
	QueueURL           string        `validate:"required,url"`
	WaitSeconds        int32         `validate:"min=0,max=20"`
	ReceiveErrorDelay  time.Duration `validate:"min=0"`
	RequeueDelay       time.Duration `validate:"min=0,max=12h"`
	TaskDefinition     string        `validate:"required"`
	ClusterARN         string        `validate:"required"`
	ContainerName      string        `validate:"required"`
	SecurityGroups     []string      `validate:"min=1,dive,required"`
	Subnets            []string      `validate:"min=1,dive,required"`
	DecodeObjectKeys   bool
	MaxReceiveCount    int    `validate:"min=0"`
	DeadLetterQueueURL string `validate:"omitempty,url"`
}

type WorkerConfig struct {
	BucketName       string `validate:"required"`
	Key              string `validate:"required"`
	Sequencer        string
	JobID            string
	UploadBucketName string             `validate:"required"`
	Resolutions      []types.Resolution `validate:"min=1"`
	RenditionTimeout time.Duration      `validate:"gt=0"`
	FetchTimeout     time.Duration      `validate:"min=0"`
	UploadTimeout    time.Duration      `validate:"min=0"`
	MaxParallel      int                `validate:"min=0"`
	WorkDir          string             `validate:"required"`
	FFmpegPath       string             `validate:"required"`
	NestBySource     bool
	PosterEnabled    bool
	PosterWidth      int           `validate:"min=1"`
	PosterHeight     int           `validate:"min=1"`
	PosterAt         time.Duration `validate:"min=0"`
}

// InitializeEnvs loads the env file selected by APP_ENV, then reads and
// validates the configuration of mode. An empty mode falls back to APP_MODE.
func InitializeEnvs(mode string) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working dir: %w", err)
	}
	logrus.Debugf("Working dir: %s", wd)

	loadEnvFiles(os.Getenv("APP_ENV"))
	return Load(mode)
}

func loadEnvFiles(env string) {
	switch env {
	case "docker":
		if err := godotenv.Overload(".env.docker"); err == nil {
			logrus.Info("Loaded .env.docker")
		} else {
			logrus.Info(".env.docker not found, using existing environment")
		}
	case "dev", "":
		if err := godotenv.Overload(".env.dev"); err == nil {
			logrus.Info("Loaded .env.dev")
		} else if err := godotenv.Overload(".env"); err == nil {
			logrus.Info("Loaded .env")
		} else {
			logrus.Info("No .env.dev or .env found, using system environment variables")
		}
	default:
		fname := ".env." + env
		if err := godotenv.Overload(fname); err == nil {
			logrus.Infof("Loaded %s", fname)
		} else if err := godotenv.Overload(".env"); err == nil {
			logrus.Info("Loaded .env")
		} else {
			logrus.Infof("No %s or .env found, using system environment variables", fname)
		}
	}
}

// Load reads the process environment only.
func Load(mode string) (*Config, error) {
	if mode == "" {
		mode = os.Getenv("APP_MODE")
	}
	r := &envReader{}

	cfg := &Config{
		Env:       os.Getenv("APP_ENV"),
		Mode:      strings.ToLower(strings.TrimSpace(mode)),
		LogLevel:  r.str("LOG_LEVEL", "info"),
		LogFormat: r.str("LOG_FORMAT", "text"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		AwsRegion:          os.Getenv("AWS_REGION"),
		AwsAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AwsSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),

		JobStore:      r.str("JOB_STORE", "none"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       r.integer("REDIS_DB", 0),
		PebblePath:    r.str("PEBBLE_PATH", "data/jobs"),
		JobLockTTL:    r.duration("JOB_LOCK_TTL", 2*time.Hour),

		RabbitMqURL:      os.Getenv("RABBITMQ_URL"),
		RabbitMqExchange: r.str("RABBITMQ_EXCHANGE", "video_transcoding"),
	}

	switch cfg.Mode {
	case ModeDispatcher:
		cfg.Dispatcher = DispatcherConfig{
			QueueURL:           os.Getenv("SQS_QUEUE_URL"),
			WaitSeconds:        int32(r.integer("SQS_WAIT_SECONDS", 20)),
			ReceiveErrorDelay:  r.duration("RECEIVE_ERROR_DELAY", 5*time.Second),
			RequeueDelay:       r.duration("REQUEUE_DELAY", 10*time.Second),
			TaskDefinition:     os.Getenv("ECS_TASK_DEFINITION"),
			ClusterARN:         os.Getenv("ECS_CLUSTER_ARN"),
			ContainerName:      r.str("ECS_CONTAINER_NAME", "video-transcoder"),
			SecurityGroups:     ParseList(os.Getenv("ECS_SECURITY_GROUP")),
			Subnets:            subnets(),
			DecodeObjectKeys:   r.boolean("DECODE_OBJECT_KEYS", true),
			MaxReceiveCount:    r.integer("MAX_RECEIVE_COUNT", 0),
			DeadLetterQueueURL: os.Getenv("DEAD_LETTER_QUEUE_URL"),
		}
	case ModeWorker:
		resolutions := types.DefaultResolutions
		if raw := os.Getenv("RESOLUTIONS"); raw != "" {
			parsed, err := ParseResolutions(raw)
			if err != nil {
				r.errs = append(r.errs, err)
			} else {
				resolutions = parsed
			}
		}
		cfg.Worker = WorkerConfig{
			BucketName:       os.Getenv("BUCKET_NAME"),
			Key:              os.Getenv("KEY"),
			Sequencer:        os.Getenv("SEQUENCER"),
			JobID:            os.Getenv("JOB_ID"),
			UploadBucketName: os.Getenv("UPLOAD_BUCKET_NAME"),
			Resolutions:      resolutions,
			RenditionTimeout: r.duration("RENDITION_TIMEOUT", 30*time.Minute),
			FetchTimeout:     r.duration("FETCH_TIMEOUT", 0),
			UploadTimeout:    r.duration("UPLOAD_TIMEOUT", 0),
			MaxParallel:      r.integer("MAX_PARALLEL_RENDITIONS", 0),
			WorkDir:          r.str("WORK_DIR", os.TempDir()),
			FFmpegPath:       r.str("FFMPEG_PATH", "ffmpeg"),
			NestBySource:     r.boolean("UPLOAD_NEST_BY_SOURCE", false),
			PosterEnabled:    r.boolean("POSTER_ENABLED", false),
			PosterWidth:      r.integer("POSTER_WIDTH", 640),
			PosterHeight:     r.integer("POSTER_HEIGHT", 360),
			PosterAt:         r.duration("POSTER_AT", time.Second),
		}
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the shared fields and the fields of the selected mode.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Mode {
	case ModeDispatcher:
		if err := validate.Struct(&c.Dispatcher); err != nil {
			return fmt.Errorf("invalid dispatcher config: %w", err)
		}
	case ModeWorker:
		if err := validate.Struct(&c.Worker); err != nil {
			return fmt.Errorf("invalid worker config: %w", err)
		}
		if err := types.ValidateResolutions(c.Worker.Resolutions); err != nil {
			return fmt.Errorf("invalid worker config: %w", err)
		}
	}
	return nil
}

// ParseResolutions parses "360p:480x360,720p:1280x720".
func ParseResolutions(raw string) ([]types.Resolution, error) {
	var resolutions []types.Resolution
	for _, item := range ParseList(raw) {
		name, size, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("resolution %q: expected name:WIDTHxHEIGHT", item)
		}
		w, h, ok := strings.Cut(strings.ToLower(size), "x")
		if !ok {
			return nil, fmt.Errorf("resolution %q: expected name:WIDTHxHEIGHT", item)
		}
		width, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return nil, fmt.Errorf("resolution %q: bad width: %w", item, err)
		}
		height, err := strconv.Atoi(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("resolution %q: bad height: %w", item, err)
		}
		resolutions = append(resolutions, types.Resolution{Name: strings.TrimSpace(name), Width: width, Height: height})
	}
	if err := types.ValidateResolutions(resolutions); err != nil {
		return nil, err
	}
	return resolutions, nil
}

// ParseList splits a comma separated value, dropping empty items.
func ParseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// subnets reads ECS_SUBNETS, or the numbered ECS_SUBNET_1..3 the first deployments used.
func subnets() []string {
	if list := ParseList(os.Getenv("ECS_SUBNETS")); len(list) > 0 {
		return list
	}
	var out []string
	for i := 1; i <= 3; i++ {
		if s := strings.TrimSpace(os.Getenv(fmt.Sprintf("ECS_SUBNET_%d", i))); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (r *envReader) str(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return n
}

func (r *envReader) boolean(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return b
}

func (r *envReader) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return d
}
