package conf

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	z "github.com/Oudwins/zog"
)

type Config struct {
	Version   string          `json:"-"`
	Server    ServerConfig    `json:"server"`
	Engine    EngineConfig    `json:"engine"`
	Generator GeneratorConfig `json:"generator"`
	Judge     JudgeConfig     `json:"judge"`
	Memory    MemoryConfig    `json:"memory"`
}

type ServerConfig struct {
	DataDir       string `json:"data_dir"`
	SweepInterval string `json:"sweep_interval"`
}

type EngineConfig struct {
	MaxRetries       int    `json:"max_retries"`
	ApprovalRequired bool   `json:"approval_required"`
	ContinueOnError  bool   `json:"continue_on_error"`
	PollInterval     string `json:"poll_interval"`
}

type GeneratorConfig struct {
	Endpoint    string  `json:"endpoint"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

type JudgeConfig struct {
	Endpoint  string  `json:"endpoint"`
	Threshold float64 `json:"threshold"`
}

type MemoryConfig struct {
	TopK int `json:"top_k"`
}

var serverSchema = z.Struct(z.Shape{
	"DataDir":       z.String().Default("~/.loom").Transform(expandPathTransform),
	"SweepInterval": z.String().Default("30s").TestFunc(isDurationTest, z.Message("must be a duration")),
})

var engineSchema = z.Struct(z.Shape{
	"MaxRetries":       z.Int().Default(3).GTE(0),
	"ApprovalRequired": z.Bool().Default(true),
	"ContinueOnError":  z.Bool().Default(false),
	"PollInterval":     z.String().Default("200ms").TestFunc(isDurationTest, z.Message("must be a duration")),
})

var generatorSchema = z.Struct(z.Shape{
	"Endpoint":    z.String().Default("http://localhost:8070/generate"),
	"Model":       z.String().Default("openai/gpt-5.2"),
	"Temperature": z.Float64().Default(0.7).GT(0).LTE(1),
})

var judgeSchema = z.Struct(z.Shape{
	"Endpoint":  z.String().Default("http://localhost:8070/evaluate"),
	"Threshold": z.Float64().Default(0.7).GT(0).LTE(1),
})

var memorySchema = z.Struct(z.Shape{
	"TopK": z.Int().Default(5).GTE(1),
})

var ConfigSchema = z.Struct(z.Shape{
	"server":    serverSchema,
	"engine":    engineSchema,
	"generator": generatorSchema,
	"judge":     judgeSchema,
	"memory":    memorySchema,
})

const version = "0.1.0"

// Default returns a config with every schema default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if errs := ConfigSchema.Parse(map[string]any{}, cfg); errs != nil {
		return nil, errors.New("failed to apply config defaults")
	}
	cfg.Version = version
	return cfg, nil
}

// Load reads <dataDir>/loom.json, falling back to defaults when the file is
// missing or empty.
func Load(dataDir string) (*Config, error) {
	defaults, err := Default()
	if err != nil {
		return nil, err
	}
	if dataDir == "" {
		dataDir = defaults.Server.DataDir
	}
	expanded, err := expandPath(dataDir)
	if err != nil {
		return nil, err
	}
	expanded = filepath.Clean(expanded)

	data, err := os.ReadFile(filepath.Join(expanded, "loom.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			defaults.Server.DataDir = expanded
			return defaults, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		defaults.Server.DataDir = expanded
		return defaults, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	parsed := &Config{}
	if errs := ConfigSchema.Parse(payload, parsed); errs != nil {
		return nil, errors.New("invalid config file")
	}
	parsed.Version = version
	parsed.Server.DataDir = expanded
	return parsed, nil
}

func (c *Config) PollInterval() time.Duration {
	return mustDuration(c.Engine.PollInterval, 200*time.Millisecond)
}

func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Server.SweepInterval, 30*time.Second)
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func isDurationTest(valPtr *string, ctx z.Ctx) bool {
	_, err := time.ParseDuration(*valPtr)
	return err == nil
}

func expandPathTransform(ptr *string, c z.Ctx) error {
	expanded, err := expandPath(*ptr)
	*ptr = expanded
	return err
}

func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}
