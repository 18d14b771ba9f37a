package main

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/constants"
	"github.com/pyropy/carlens/core/vote"
	"github.com/pyropy/carlens/lib/utils"
)

const (
	RecognizerRekognition = "rekognition"
	RecognizerPassthrough = "passthrough"
)

type Config struct {
	Server struct {
		Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
		Port int    `envconfig:"SERVER_PORT" default:"8000"`
	}
	Upload struct {
		Path string `envconfig:"UPLOAD_PATH" default:"./data/uploads"`
	}
	Pipeline struct {
		Workers        int  `envconfig:"PIPELINE_WORKERS" default:"4"`
		Buffer         int  `envconfig:"PIPELINE_BUFFER" default:"32"`
		RecognizeEvery int  `envconfig:"PIPELINE_RECOGNIZE_EVERY" default:"1"`
		IndexFrames    bool `envconfig:"PIPELINE_INDEX_FRAMES" default:"true"`
		JPEGQuality    int  `envconfig:"PIPELINE_JPEG_QUALITY" default:"80"`
	}
	Plate struct {
		Format      string `envconfig:"PLATE_FORMAT" default:"DLLLDD"`
		Placeholder string `envconfig:"PLATE_PLACEHOLDER" default:"?"`
	}
	Store struct {
		Path        string `envconfig:"STORE_PATH" default:"./data/store"`
		DatabaseURL string `envconfig:"DATABASE_URL"`
	}
	Redis struct {
		Addr    string `envconfig:"REDIS_ADDR"`
		Channel string `envconfig:"REDIS_CHANNEL" default:"carlens.plates"`
	}
	Recognizer struct {
		Kind          string  `envconfig:"RECOGNIZER_KIND" default:"passthrough"`
		AWSRegion     string  `envconfig:"AWS_REGION" default:"eu-central-1"`
		MinConfidence float32 `envconfig:"RECOGNIZER_MIN_CONFIDENCE" default:"80"`
	}
	Log struct {
		Level string `envconfig:"LOG_LEVEL" default:"info"`
		File  string `envconfig:"LOG_FILE"`
	}
}

// GetConfig loads an optional .env file and then reads the environment.
func GetConfig(envFiles ...string) (*Config, error) {
	// a missing .env is fine, variables may come from the environment
	_ = godotenv.Load(envFiles...)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return errors.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.Buffer < 1 {
		return errors.Errorf("PIPELINE_BUFFER must be at least 1, got %d", c.Pipeline.Buffer)
	}
	if c.Pipeline.RecognizeEvery < 1 {
		return errors.Errorf("PIPELINE_RECOGNIZE_EVERY must be at least 1, got %d", c.Pipeline.RecognizeEvery)
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		return errors.Errorf("PIPELINE_JPEG_QUALITY must be within 1-100, got %d", c.Pipeline.JPEGQuality)
	}
	if _, err := vote.ParseFormat(c.Plate.Format); err != nil {
		return errors.Wrap(err, "PLATE_FORMAT")
	}
	if len(c.Plate.Placeholder) != 1 {
		return errors.Errorf("PLATE_PLACEHOLDER must be a single character, got %q", c.Plate.Placeholder)
	}
	if !utils.Contains([]string{RecognizerRekognition, RecognizerPassthrough}, c.Recognizer.Kind) {
		return errors.Errorf("unknown RECOGNIZER_KIND %q", c.Recognizer.Kind)
	}

	return nil
}

func (c *Config) PlateFormat() vote.Format {
	f, err := vote.ParseFormat(c.Plate.Format)
	if err != nil {
		return vote.DefaultFormat()
	}
	return f
}

func (c *Config) PlatePlaceholder() byte {
	if len(c.Plate.Placeholder) != 1 {
		return constants.PLATE_PLACEHOLDER
	}
	return c.Plate.Placeholder[0]
}
