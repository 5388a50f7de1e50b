package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"shotline/internal/filetree"
)

// Config models shotline.yml.
type Config struct {
	Dispatcher struct {
		PollSeconds           int `yaml:"poll_seconds"`
		Batch                 int `yaml:"batch"`
		WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds"`
	} `yaml:"dispatcher"`
	Naming struct {
		WorkingFallback string `yaml:"working_fallback"`
		OutputFallback  string `yaml:"output_fallback"`
	} `yaml:"naming"`
	TaskTypes []TaskTypeSeed `yaml:"task_types"`
	FileStore struct {
		Backend  string   `yaml:"backend"`
		LocalDir string   `yaml:"local_dir"`
		S3       S3Config `yaml:"s3"`
	} `yaml:"file_store"`
}

// TaskTypeSeed is reference data installed by `sl init`.
type TaskTypeSeed struct {
	Name            string `yaml:"name"`
	Department      string `yaml:"department"`
	Priority        int    `yaml:"priority"`
	WorkingTemplate string `yaml:"working_template"`
	OutputTemplate  string `yaml:"output_template"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatcher.PollSeconds < 0 {
		return fmt.Errorf("config.dispatcher.poll_seconds must not be negative")
	}
	if c.Dispatcher.Batch < 0 {
		return fmt.Errorf("config.dispatcher.batch must not be negative")
	}
	if c.Dispatcher.WebhookTimeoutSeconds < 0 {
		return fmt.Errorf("config.dispatcher.webhook_timeout_seconds must not be negative")
	}
	if c.Naming.WorkingFallback != "" {
		if err := filetree.ValidateTemplate(c.Naming.WorkingFallback); err != nil {
			return fmt.Errorf("config.naming.working_fallback: %w", err)
		}
	}
	if c.Naming.OutputFallback != "" {
		if err := filetree.ValidateTemplate(c.Naming.OutputFallback); err != nil {
			return fmt.Errorf("config.naming.output_fallback: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(c.TaskTypes))
	for _, tt := range c.TaskTypes {
		if tt.Name == "" {
			return fmt.Errorf("config.task_types contains an entry without a name")
		}
		if _, ok := seen[tt.Name]; ok {
			return fmt.Errorf("config.task_types lists %s twice", tt.Name)
		}
		seen[tt.Name] = struct{}{}
		if tt.WorkingTemplate != "" {
			if err := filetree.ValidateTemplate(tt.WorkingTemplate); err != nil {
				return fmt.Errorf("task type %s working_template: %w", tt.Name, err)
			}
		}
		if tt.OutputTemplate != "" {
			if err := filetree.ValidateTemplate(tt.OutputTemplate); err != nil {
				return fmt.Errorf("task type %s output_template: %w", tt.Name, err)
			}
		}
	}
	switch c.FileStore.Backend {
	case "", "local":
	case "s3":
		if c.FileStore.S3.Endpoint == "" {
			return fmt.Errorf("config.file_store.s3.endpoint is required for the s3 backend")
		}
		if c.FileStore.S3.Bucket == "" {
			return fmt.Errorf("config.file_store.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.file_store.backend must be 'local' or 's3'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shotline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dispatcher:
  poll_seconds: 2
  batch: 100
  webhook_timeout_seconds: 5

naming:
  working_fallback: "{project}/{entity}/{task_type}/work/v{revision:03}"
  output_fallback: "{project}/{entity}/{task_type}/publish/v{revision:03}"

task_types:
  - name: concept
    department: art
    priority: 1
  - name: modeling
    department: assets
    priority: 2
  - name: rigging
    department: assets
    priority: 3
  - name: shading
    department: assets
    priority: 4
  - name: layout
    department: shots
    priority: 5
  - name: animation
    department: shots
    priority: 6
    working_template: "{project}/{sequence}/{shot}/{task_type}/work/v{revision:03}"
    output_template: "{project}/{sequence}/{shot}/{task_type}/publish/v{revision:03}"
  - name: lighting
    department: shots
    priority: 7
  - name: compositing
    department: shots
    priority: 8
  - name: editing
    department: edit
    priority: 9

file_store:
  backend: local
  local_dir: files
`
