package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	AddonKindQuantity  = "quantity"
	AddonKindFlag      = "flag"
	AddonKindRetention = "retention"
)

// BillingConfig is the hot-reloadable billing policy.
type BillingConfig struct {
	GraceDays       int         `mapstructure:"graceDays"`
	DeadLetterAfter int         `mapstructure:"deadLetterAfter"`
	AddonRules      []AddonRule `mapstructure:"addonRules"`
	Plans           []PlanSeed  `mapstructure:"plans"`
	Addons          []AddonSeed `mapstructure:"addons"`
}

// AddonRule describes how an active add-on composes into a tenant's limits.
type AddonRule struct {
	Code     string `mapstructure:"code"`
	Kind     string `mapstructure:"kind"`
	LimitKey string `mapstructure:"limitKey"`
	Value    int64  `mapstructure:"value"`
}

// PlanSeed is a catalog entry used to bootstrap an empty database.
type PlanSeed struct {
	Code              string           `mapstructure:"code"`
	Name              string           `mapstructure:"name"`
	MonthlyPriceCents int64            `mapstructure:"monthlyPriceCents"`
	StripePriceID     string           `mapstructure:"stripePriceId"`
	Limits            map[string]int64 `mapstructure:"limits"`
}

type AddonSeed struct {
	Code          string `mapstructure:"code"`
	Name          string `mapstructure:"name"`
	StripePriceID string `mapstructure:"stripePriceId"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		GraceDays:       7,
		DeadLetterAfter: 5,
		AddonRules: []AddonRule{
			{Code: "extra_drivers", Kind: AddonKindQuantity, LimitKey: "max_drivers"},
			{Code: "realtime_tracking", Kind: AddonKindFlag, LimitKey: "realtime_tracking"},
			{Code: "audit_retention_365", Kind: AddonKindRetention, LimitKey: "audit_retention_days", Value: 365},
		},
		Plans: []PlanSeed{
			{Code: "STARTER", Name: "Starter", MonthlyPriceCents: 4900, Limits: map[string]int64{"max_drivers": 25}},
			{Code: "GROWTH", Name: "Growth", MonthlyPriceCents: 12900, Limits: map[string]int64{"max_drivers": 75}},
			{Code: "PRO", Name: "Pro", MonthlyPriceCents: 29900, Limits: map[string]int64{"max_drivers": 200}},
		},
		Addons: []AddonSeed{
			{Code: "extra_drivers", Name: "Extra drivers"},
			{Code: "realtime_tracking", Name: "Realtime tracking"},
			{Code: "audit_retention_365", Name: "Audit retention (365 days)"},
		},
	}
}

// Rule returns the composition rule for an add-on code.
func (c BillingConfig) Rule(code string) (AddonRule, bool) {
	for _, rule := range c.AddonRules {
		if rule.Code == code {
			return rule, true
		}
	}
	return AddonRule{}, false
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing.config")

	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/tenantdesk")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENANTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("billing.yml not found, using defaults")
		return NewStaticBillingConfigHolder(DefaultBillingConfig()), nil
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("billing config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.GraceDays <= 0 {
		return errors.New("billing.graceDays must be positive")
	}
	if cfg.DeadLetterAfter <= 0 {
		return errors.New("billing.deadLetterAfter must be positive")
	}
	seen := map[string]struct{}{}
	for _, rule := range cfg.AddonRules {
		code := strings.TrimSpace(rule.Code)
		if code == "" {
			return errors.New("billing.addonRules code cannot be empty")
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("billing.addonRules duplicate code %q", code)
		}
		seen[code] = struct{}{}
		switch rule.Kind {
		case AddonKindQuantity, AddonKindFlag:
		case AddonKindRetention:
			if rule.Value <= 0 {
				return fmt.Errorf("billing.addonRules %q retention value must be positive", code)
			}
		default:
			return fmt.Errorf("billing.addonRules %q has unknown kind %q", code, rule.Kind)
		}
		if strings.TrimSpace(rule.LimitKey) == "" {
			return fmt.Errorf("billing.addonRules %q limitKey cannot be empty", code)
		}
	}
	return nil
}
