package config

// Config is the root application configuration. Parsed from yaml by the
// binary; pkg/lsm receives the Tree section.

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Tree   TreeConfig   `yaml:"tree"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type TreeConfig struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`

	// ChunkSize is the approximate byte size at which the primary chunk
	// is switched out. ChunkMax bounds any single chunk.
	ChunkSize uint64 `yaml:"chunk_size"`
	ChunkMax  uint64 `yaml:"chunk_max"`

	// MergeMin and MergeMax bound the merge window, 2..10.
	MergeMin int `yaml:"merge_min"`
	MergeMax int `yaml:"merge_max"`

	// Bloom is one of off, default, oldest, merged.
	Bloom          string `yaml:"bloom"`
	BloomBitCount  uint32 `yaml:"bloom_bit_count"`
	BloomHashCount uint32 `yaml:"bloom_hash_count"`

	// Workers is the background worker pool size, 1..10.
	Workers int `yaml:"workers"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Tree: TreeConfig{
			Name:           "db",
			Dir:            "./data",
			ChunkSize:      8 << 20,
			ChunkMax:       128 << 20,
			MergeMin:       3,
			MergeMax:       8,
			Bloom:          "default",
			BloomBitCount:  16,
			BloomHashCount: 8,
			Workers:        4,
		},
	}
}
