// Package config binds the controller and worker settings from CLI flags,
// environment variables, and the optional redis YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagerun-org/stagerun/internal/store"
)

// Controller holds the benchmark front-end settings.
type Controller struct {
	TransMode      string
	Profile        string
	Repeat         int
	Parallelism    int
	DittoPlacement bool
	Launch         string
	PreloadFolder  string

	FailureTolerance  int
	GetOutputs        bool
	OutputDir         string
	RemoteCallTimeout time.Duration
	RedisWaitTime     time.Duration
	PostRatio         float64
	Knative           bool
	Local             bool

	RedisYAML string
	Redis     store.RedisConfig
}

// Worker holds one stage host's settings.
type Worker struct {
	Stage       string
	Host        string
	Port        int
	CachePort   int
	Parallelism int

	Redis store.RedisConfig
}

// BindControllerFlags declares the controller's CLI surface.
func BindControllerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("transmode", "auto", "transport mode: auto, allRedis or allTCP")
	flags.String("profile", "config/profile.yaml", "application profile YAML")
	flags.Int("repeat", 1, "benchmark rounds")
	flags.Int("para", 1, "concurrent workflow requests per round")
	flags.Bool("ditto_placement", false, "use the critical-path merge planner")
	flags.String("launch", "tradition", "worker launch mode: tradition, coldstart or prewarm")
	flags.String("redis_preload_folder", "", "folder preloaded into the store before each round")
	flags.Int("failure_tolerance", 100, "aggregate stage failures before aborting")
	flags.Bool("getoutputs", false, "dump workflow final outputs before cleanup")
	flags.String("output_dir", "", "folder receiving dumped final outputs")
	flags.Float64("remote_call_timeout", 1.0, "per-call timeout in seconds")
	flags.Float64("redis_wait_time", 10.0, "redis warm-up wait in seconds")
	flags.Float64("post_ratio", 0.0, "per-attempt timeout as a fraction of the call budget")
	flags.Bool("knative", false, "deploy through knative services")
	flags.Bool("local", false, "run workers as host processes instead of deploying")
	flags.String("redis_yaml", "", "redis connection YAML")
	flags.String("redis_ip", "127.0.0.1", "redis host")
	flags.Int("redis_port", 6379, "redis port")
	flags.String("redis_password", "", "redis password")
}

// ControllerFromCommand resolves the controller configuration from the
// parsed flags, the environment, and the redis YAML if given.
func ControllerFromCommand(cmd *cobra.Command) (Controller, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Controller{}, fmt.Errorf("config: bind flags: %w", err)
	}
	bindRedisEnv(v)

	cfg := Controller{
		TransMode:         v.GetString("transmode"),
		Profile:           v.GetString("profile"),
		Repeat:            v.GetInt("repeat"),
		Parallelism:       v.GetInt("para"),
		DittoPlacement:    v.GetBool("ditto_placement"),
		Launch:            v.GetString("launch"),
		PreloadFolder:     v.GetString("redis_preload_folder"),
		FailureTolerance:  v.GetInt("failure_tolerance"),
		GetOutputs:        v.GetBool("getoutputs"),
		OutputDir:         v.GetString("output_dir"),
		RemoteCallTimeout: seconds(v.GetFloat64("remote_call_timeout")),
		RedisWaitTime:     seconds(v.GetFloat64("redis_wait_time")),
		PostRatio:         v.GetFloat64("post_ratio"),
		Knative:           v.GetBool("knative"),
		Local:             v.GetBool("local"),
		RedisYAML:         v.GetString("redis_yaml"),
		Redis: store.RedisConfig{
			Host:     v.GetString("redis_ip"),
			Port:     v.GetInt("redis_port"),
			Password: v.GetString("redis_password"),
		},
	}

	if cfg.RedisYAML != "" {
		redisCfg, err := LoadRedisYAML(cfg.RedisYAML)
		if err != nil {
			return Controller{}, err
		}
		cfg.Redis = redisCfg
	}
	return cfg, nil
}

// BindWorkerFlags declares the worker host's CLI surface.
func BindWorkerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("stage", "", "stage name this worker hosts")
	flags.String("host", "0.0.0.0", "listen address")
	flags.Int("port", 8080, "worker HTTP port")
	flags.Int("cache_server_port", 0, "TCP cache server port, 0 disables it")
	flags.Int("parallelism", 1, "executor pool size")
	flags.String("redis_ip", "127.0.0.1", "redis host")
	flags.Int("redis_port", 6379, "redis port")
	flags.String("redis_password", "", "redis password")
}

// WorkerFromCommand resolves the worker configuration.
func WorkerFromCommand(cmd *cobra.Command) (Worker, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Worker{}, fmt.Errorf("config: bind flags: %w", err)
	}
	bindRedisEnv(v)

	cfg := Worker{
		Stage:       v.GetString("stage"),
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		CachePort:   v.GetInt("cache_server_port"),
		Parallelism: v.GetInt("parallelism"),
		Redis: store.RedisConfig{
			Host:     v.GetString("redis_ip"),
			Port:     v.GetInt("redis_port"),
			Password: v.GetString("redis_password"),
		},
	}
	if cfg.Stage == "" {
		return Worker{}, fmt.Errorf("config: --stage is required")
	}
	return cfg, nil
}

// LoadRedisYAML reads a redis connection file.
func LoadRedisYAML(path string) (store.RedisConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return store.RedisConfig{}, fmt.Errorf("config: read redis yaml: %w", err)
	}
	var cfg store.RedisConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return store.RedisConfig{}, fmt.Errorf("config: parse redis yaml: %w", err)
	}
	return cfg, nil
}

// bindRedisEnv lets REDIS_HOST and REDIS_PORT override the flag defaults.
func bindRedisEnv(v *viper.Viper) {
	_ = v.BindEnv("redis_ip", "REDIS_HOST")
	_ = v.BindEnv("redis_port", "REDIS_PORT")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
