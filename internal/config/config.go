package config

import "time"

// Config is the root configuration for the packdb server.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig covers on-disk layout and the journal/segment tunables. The
// thresholds are knobs, not contracts; the defaults below are development
// values.
type StorageConfig struct {
	DataDir string        `yaml:"data_dir"`
	Journal JournalConfig `yaml:"journal"`
	Segment SegmentConfig `yaml:"segment"`
}

type JournalConfig struct {
	MaxBatchRecords int           `yaml:"max_batch_records"`
	MaxBatchBytes   int64         `yaml:"max_batch_bytes"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

type SegmentConfig struct {
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`
	DirectIO        bool  `yaml:"direct_io"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
			Journal: JournalConfig{
				MaxBatchRecords: 1000,
				MaxBatchBytes:   4 << 20,
				SyncInterval:    time.Second,
			},
			Segment: SegmentConfig{
				MaxSegmentBytes: 64 << 20,
			},
		},
	}
}
