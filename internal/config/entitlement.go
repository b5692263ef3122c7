package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EntitlementConfig tunes grace handling, the per-subscriber lease and
// targeting scans. Values are hot-reloadable; readers must call Get on every
// use instead of caching a copy.
type EntitlementConfig struct {
	GracePeriodDays   int    `mapstructure:"gracePeriodDays"`
	LeaseSeconds      int    `mapstructure:"leaseSeconds"`
	TargetingPageSize int    `mapstructure:"targetingPageSize"`
	FarFutureDate     string `mapstructure:"farFutureDate"`
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		GracePeriodDays:   3,
		LeaseSeconds:      15,
		TargetingPageSize: 200,
		FarFutureDate:     "2100-01-01",
	}
}

func (c EntitlementConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func (c EntitlementConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// FarFuture is the sentinel expiration used when a billing snapshot carries no
// usable end-of-life signal.
func (c EntitlementConfig) FarFuture() time.Time {
	t, err := time.Parse("2006-01-02", c.FarFutureDate)
	if err != nil {
		t, _ = time.Parse("2006-01-02", DefaultEntitlementConfig().FarFutureDate)
	}
	return t.UTC()
}

type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

func NewEntitlementConfigHolder() (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/recallhub/config")
	v.AddConfigPath("/etc/recallhub")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECALLHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEntitlementConfig()
	v.SetDefault("entitlement.gracePeriodDays", defaults.GracePeriodDays)
	v.SetDefault("entitlement.leaseSeconds", defaults.LeaseSeconds)
	v.SetDefault("entitlement.targetingPageSize", defaults.TargetingPageSize)
	v.SetDefault("entitlement.farFutureDate", defaults.FarFutureDate)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg EntitlementConfig
	if err := v.UnmarshalKey("entitlement", &cfg); err != nil {
		return nil, err
	}
	if err := validateEntitlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EntitlementConfig
		if err := v.UnmarshalKey("entitlement", &updated); err != nil {
			log.Printf("[entitlement-config] reload failed: %v", err)
			return
		}
		if err := validateEntitlementConfig(updated); err != nil {
			log.Printf("[entitlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	return h.current.Load().(EntitlementConfig)
}

// NewStaticEntitlementConfigHolder returns a holder pinned to the given
// values; used by tests.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateEntitlementConfig(cfg EntitlementConfig) error {
	if cfg.GracePeriodDays < 0 {
		return errors.New("gracePeriodDays must not be negative")
	}
	if cfg.LeaseSeconds <= 0 {
		return errors.New("leaseSeconds must be positive")
	}
	if cfg.TargetingPageSize <= 0 {
		return errors.New("targetingPageSize must be positive")
	}
	if _, err := time.Parse("2006-01-02", cfg.FarFutureDate); err != nil {
		return errors.New("farFutureDate must be YYYY-MM-DD")
	}
	return nil
}
