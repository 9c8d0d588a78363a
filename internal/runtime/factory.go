package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stagerun-org/stagerun/internal/store"
	"github.com/stagerun-org/stagerun/internal/workflow"
)

// Provider names accepted in FAASIT_PROVIDER.
const (
	ProviderLocal     = "local"
	ProviderLocalOnce = "local-once"
	ProviderAliyun    = "aliyun"
	ProviderKnative   = "knative"
	ProviderAWS       = "aws"
	ProviderPKU       = "pku"
)

// Environment variables consulted by the factory.
const (
	EnvProvider        = "FAASIT_PROVIDER"
	EnvFuncName        = "FAASIT_FUNC_NAME"
	EnvLocalStorageDir = "LOCAL_STORAGE_DIR"
	EnvRedisHost       = "REDIS_HOST"
	EnvRedisPort       = "REDIS_PORT"
)

// ErrUnknownProvider is returned for unrecognized provider names.
var ErrUnknownProvider = errors.New("runtime: unknown provider")

// FactoryConfig carries everything a concrete backend might need. Fields
// irrelevant to the selected provider are ignored.
type FactoryConfig struct {
	Routes *workflow.RouteTable
	// Store overrides the provider's default storage when set.
	Store store.Store

	Cluster ClusterConfig
	Vendor  VendorConfig
}

// NewBackend constructs the backend for one provider name.
func NewBackend(provider string, cfg FactoryConfig) (Backend, error) {
	switch provider {
	case ProviderLocal, ProviderLocalOnce:
		st := cfg.Store
		if st == nil {
			var err error
			st, err = localStorage()
			if err != nil {
				return nil, err
			}
		}
		return NewLocalOnce(cfg.Routes, st), nil

	case ProviderPKU:
		cluster := cfg.Cluster
		if cluster.Store == nil {
			cluster.Store = cfg.Store
		}
		if cluster.Store == nil {
			cluster.Store = redisStorage()
		}
		return NewCluster(cluster), nil

	case ProviderAliyun, ProviderKnative, ProviderAWS:
		vendor := cfg.Vendor
		if vendor.Store == nil {
			vendor.Store = cfg.Store
		}
		return NewVendor(vendor), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// NewBackendFromEnv selects the provider from FAASIT_PROVIDER.
func NewBackendFromEnv(cfg FactoryConfig) (Backend, error) {
	return NewBackend(os.Getenv(EnvProvider), cfg)
}

func localStorage() (store.Store, error) {
	dir := os.Getenv(EnvLocalStorageDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stagerun-store")
	}
	return store.NewLocalStore(dir)
}

func redisStorage() store.Store {
	host := os.Getenv(EnvRedisHost)
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(os.Getenv(EnvRedisPort))
	if err != nil || port <= 0 {
		port = 6379
	}
	return store.NewRedisStore(store.RedisConfig{Host: host, Port: port})
}
