package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "bim_db", cfg.Database.Database)
				assert.Equal(t, "bim.direct", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "bim.conversion", cfg.RabbitMQ.ConversionQueue.Name)
				assert.Equal(t, "bim.clash", cfg.RabbitMQ.ClashQueue.Name)
				assert.Equal(t, 24*time.Hour, cfg.RabbitMQ.ConversionQueue.MessageTTL)
				assert.Equal(t, "bim-api-service", cfg.App.Name)
				assert.Equal(t, 2, cfg.Worker.Concurrency)
				assert.Equal(t, 3, cfg.Worker.MaxAttempts)
				assert.Equal(t, []string{"python3", "/opt/bim/convert.py"}, cfg.Worker.ConvertCommand)
				assert.Equal(t, 2*time.Second, cfg.Streaming.PollInterval)
				assert.Equal(t, 3*time.Second, cfg.Streaming.BatchPollInterval)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "bim_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "bim.direct",
				Type: "direct",
			},
			ConversionQueue: QueueConfig{Name: "bim.conversion", RoutingKey: "conversion"},
			ClashQueue:      QueueConfig{Name: "bim.clash", RoutingKey: "clash"},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty conversion queue name",
			mutate:    func(c *Config) { c.RabbitMQ.ConversionQueue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq conversion queue name is required",
		},
		{
			name:      "empty clash queue name",
			mutate:    func(c *Config) { c.RabbitMQ.ClashQueue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq clash queue name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorker(t *testing.T) {
	validWorker := WorkerConfig{
		Concurrency:     2,
		JobTimeout:      10 * time.Minute,
		MaxAttempts:     3,
		ShutdownTimeout: 30 * time.Second,
		ConvertCommand:  []string{"python3", "/opt/bim/convert.py"},
		ClashCommand:    []string{"python3", "/opt/bim/clash.py"},
	}

	tests := []struct {
		name      string
		mutate    func(*WorkerConfig)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid worker config",
			mutate:  func(w *WorkerConfig) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(w *WorkerConfig) { w.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(w *WorkerConfig) { w.JobTimeout = 0 },
			wantErr:   true,
			errString: "job_timeout must be greater than 0",
		},
		{
			name:      "zero max attempts",
			mutate:    func(w *WorkerConfig) { w.MaxAttempts = 0 },
			wantErr:   true,
			errString: "max_attempts must be greater than 0",
		},
		{
			name:      "missing convert command",
			mutate:    func(w *WorkerConfig) { w.ConvertCommand = nil },
			wantErr:   true,
			errString: "convert_command is required",
		},
		{
			name:      "missing clash command",
			mutate:    func(w *WorkerConfig) { w.ClashCommand = nil },
			wantErr:   true,
			errString: "clash_command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Worker: validWorker}
			tt.mutate(&cfg.Worker)

			err := cfg.ValidateWorker()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.Validate())
		require.NoError(t, cfg.ValidateWorker())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
