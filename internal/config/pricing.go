package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Network classes used to key the pin rate table.
const (
	NetworkPrivate = "private"
	NetworkPublic  = "public"
)

// Pricing is the immutable rate configuration handed to the cost
// engines. All amounts are EUR; all rates are exact decimals.
type Pricing struct {
	Currency string

	// Bandwidth metering. The free allowance applies across both
	// network classes before either metered rate kicks in.
	FreeBandwidthGB       decimal.Decimal
	BandwidthPrivatePerGB decimal.Decimal
	BandwidthPublicPerGB  decimal.Decimal

	// Prepaid pinning: price per GB-month keyed by network class and
	// retention tier. Longer tiers are discounted.
	PinRates        map[string]map[int]decimal.Decimal
	RetentionMonths []int

	// Replicated backup: pay-as-you-go per GB per day, replica-weighted.
	BackupDailyPerGB decimal.Decimal

	// Legacy flat backup-storage rate per GB-month (pay-as-you-go line).
	LegacyBackupMonthlyPerGB decimal.Decimal

	GracePeriod  time.Duration
	BillingCycle time.Duration
}

// PinRate returns the per-GB-month rate for a class and retention tier.
func (p Pricing) PinRate(isPrivate bool, months int) (decimal.Decimal, bool) {
	class := NetworkPublic
	if isPrivate {
		class = NetworkPrivate
	}
	tiers, ok := p.PinRates[class]
	if !ok {
		return decimal.Zero, false
	}
	rate, ok := tiers[months]
	return rate, ok
}

// BandwidthRate returns the metered per-GB rate for a network class.
func (p Pricing) BandwidthRate(isPrivate bool) decimal.Decimal {
	if isPrivate {
		return p.BandwidthPrivatePerGB
	}
	return p.BandwidthPublicPerGB
}

// DefaultPricing returns the production rate card.
//
// The free bandwidth allowance is 1 GB with 0.02/0.10 per-GB overage
// rates; a later revision of the rate card (5 GB free, flat 0.08) is
// deliberately not carried here.
func DefaultPricing() Pricing {
	return Pricing{
		Currency:              "EUR",
		FreeBandwidthGB:       dec("1.00"),
		BandwidthPrivatePerGB: dec("0.02"),
		BandwidthPublicPerGB:  dec("0.10"),
		PinRates: map[string]map[int]decimal.Decimal{
			NetworkPrivate: {
				1:  dec("0.10"),
				2:  dec("0.09"),
				6:  dec("0.07"),
				12: dec("0.05"),
			},
			NetworkPublic: {
				1:  dec("0.10"),
				2:  dec("0.09"),
				6:  dec("0.07"),
				12: dec("0.05"),
			},
		},
		RetentionMonths:          []int{1, 2, 6, 12},
		BackupDailyPerGB:         dec("0.0005125"),
		LegacyBackupMonthlyPerGB: dec("0.0156"),
		GracePeriod:              7 * 24 * time.Hour,
		BillingCycle:             30 * 24 * time.Hour,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// pricingFile is the on-disk schema. Rates are strings so they survive
// YAML round-trips without binary-float drift.
type pricingFile struct {
	Currency                 string                    `mapstructure:"currency"`
	FreeBandwidthGB          string                    `mapstructure:"freeBandwidthGb"`
	BandwidthPrivatePerGB    string                    `mapstructure:"bandwidthPrivatePerGb"`
	BandwidthPublicPerGB     string                    `mapstructure:"bandwidthPublicPerGb"`
	PinRates                 map[string]map[int]string `mapstructure:"pinRates"`
	BackupDailyPerGB         string                    `mapstructure:"backupDailyPerGb"`
	LegacyBackupMonthlyPerGB string                    `mapstructure:"legacyBackupMonthlyPerGb"`
	GracePeriodDays          int                       `mapstructure:"gracePeriodDays"`
	BillingCycleDays         int                       `mapstructure:"billingCycleDays"`
}

// PricingHolder hands out the current rate card and hot-reloads it when
// the pricing file changes. Cost engines read a snapshot per operation,
// so a reload never changes rates mid-calculation.
type PricingHolder struct {
	current atomic.Value // holds Pricing
}

// NewPricingHolder loads pricing.yml if present, falling back to the
// default rate card, and watches the file for changes.
func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()
	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/pinbill")
	v.AddConfigPath(".")
	v.SetEnvPrefix("PINBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PricingHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPricing())
		return holder, nil
	}

	cfg, err := unmarshalPricing(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPricing(v)
		if err != nil {
			log.Printf("[pricing] reload failed, keeping previous rates: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPricing returns a holder pinned to the given rate card.
// Used by tests to bill with synthetic rates.
func NewStaticPricing(p Pricing) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(p)
	return holder
}

func (h *PricingHolder) Get() Pricing {
	return h.current.Load().(Pricing)
}

func unmarshalPricing(v *viper.Viper) (Pricing, error) {
	var file pricingFile
	if err := v.UnmarshalKey("pricing", &file); err != nil {
		return Pricing{}, err
	}

	cfg := DefaultPricing()
	if file.Currency != "" {
		cfg.Currency = file.Currency
	}
	var err error
	if cfg.FreeBandwidthGB, err = overrideDec(cfg.FreeBandwidthGB, file.FreeBandwidthGB); err != nil {
		return Pricing{}, fmt.Errorf("freeBandwidthGb: %w", err)
	}
	if cfg.BandwidthPrivatePerGB, err = overrideDec(cfg.BandwidthPrivatePerGB, file.BandwidthPrivatePerGB); err != nil {
		return Pricing{}, fmt.Errorf("bandwidthPrivatePerGb: %w", err)
	}
	if cfg.BandwidthPublicPerGB, err = overrideDec(cfg.BandwidthPublicPerGB, file.BandwidthPublicPerGB); err != nil {
		return Pricing{}, fmt.Errorf("bandwidthPublicPerGb: %w", err)
	}
	if cfg.BackupDailyPerGB, err = overrideDec(cfg.BackupDailyPerGB, file.BackupDailyPerGB); err != nil {
		return Pricing{}, fmt.Errorf("backupDailyPerGb: %w", err)
	}
	if cfg.LegacyBackupMonthlyPerGB, err = overrideDec(cfg.LegacyBackupMonthlyPerGB, file.LegacyBackupMonthlyPerGB); err != nil {
		return Pricing{}, fmt.Errorf("legacyBackupMonthlyPerGb: %w", err)
	}
	if len(file.PinRates) > 0 {
		rates := make(map[string]map[int]decimal.Decimal, len(file.PinRates))
		months := make(map[int]struct{})
		for class, tiers := range file.PinRates {
			parsed := make(map[int]decimal.Decimal, len(tiers))
			for m, raw := range tiers {
				d, err := decimal.NewFromString(raw)
				if err != nil {
					return Pricing{}, fmt.Errorf("pinRates.%s.%d: %w", class, m, err)
				}
				parsed[m] = d
				months[m] = struct{}{}
			}
			rates[class] = parsed
		}
		cfg.PinRates = rates
		cfg.RetentionMonths = sortedMonths(months)
	}
	if file.GracePeriodDays > 0 {
		cfg.GracePeriod = time.Duration(file.GracePeriodDays) * 24 * time.Hour
	}
	if file.BillingCycleDays > 0 {
		cfg.BillingCycle = time.Duration(file.BillingCycleDays) * 24 * time.Hour
	}

	if err := validatePricing(cfg); err != nil {
		return Pricing{}, err
	}
	return cfg, nil
}

func overrideDec(current decimal.Decimal, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return current, nil
	}
	return decimal.NewFromString(raw)
}

func sortedMonths(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func validatePricing(cfg Pricing) error {
	if cfg.Currency == "" {
		return errors.New("pricing.currency cannot be empty")
	}
	if cfg.FreeBandwidthGB.IsNegative() {
		return errors.New("pricing.freeBandwidthGb cannot be negative")
	}
	if len(cfg.PinRates) == 0 || len(cfg.RetentionMonths) == 0 {
		return errors.New("pricing.pinRates cannot be empty")
	}
	for _, class := range []string{NetworkPrivate, NetworkPublic} {
		tiers, ok := cfg.PinRates[class]
		if !ok {
			return fmt.Errorf("pricing.pinRates missing %q class", class)
		}
		for _, m := range cfg.RetentionMonths {
			if _, ok := tiers[m]; !ok {
				return fmt.Errorf("pricing.pinRates.%s missing %d month tier", class, m)
			}
		}
	}
	if !cfg.BackupDailyPerGB.IsPositive() {
		return errors.New("pricing.backupDailyPerGb must be positive")
	}
	if cfg.GracePeriod <= 0 || cfg.BillingCycle <= 0 {
		return errors.New("pricing grace period and billing cycle must be positive")
	}
	return nil
}
