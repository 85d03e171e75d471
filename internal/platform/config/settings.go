package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the non-secret, env-overridable knobs: detector
// thresholds, scan intervals, and alert rate limits.
type Settings struct {
	DetectorScanInterval       time.Duration
	WebhookGapWarnMult         float64       // baseline multiplier for "warning" severity
	WebhookGapCritMult         float64       // baseline multiplier for "critical" severity
	RenewalAnomalyMinMu        float64       // skip the scan below this expected-per-6h-window mean
	RenewalAnomalyWarnDropPc   float64       // warning threshold: recent count has dropped by at least this fraction of expected
	RenewalAnomalyCritDropPc   float64       // critical threshold: recent count has dropped by at least this fraction of expected
	RenewalAnomalyZeroMuFloor  float64       // R6=0 is critical outright once mu is at least this high
	DataFreshnessStaleFraction float64       // fraction of event-less active entitlements that counts as stale data
	AccessCheckLookback        time.Duration // how far back app_verified detectors read access checks
	AlertRateLimitPer5Min      int
}

// Load reads settings from environment variables prefixed BILLINGWATCH_,
// falling back to the documented defaults.
func Load() *Settings {
	v := viper.New()
	v.SetEnvPrefix("billingwatch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("detector_scan_interval", "5m")
	v.SetDefault("webhook_gap_warn_mult", 3.0)
	v.SetDefault("webhook_gap_crit_mult", 6.0)
	v.SetDefault("renewal_anomaly_min_mu", 2.0)
	v.SetDefault("renewal_anomaly_warn_drop_pct", 0.3)
	v.SetDefault("renewal_anomaly_crit_drop_pct", 0.6)
	v.SetDefault("renewal_anomaly_zero_mu_floor", 10.0)
	v.SetDefault("data_freshness_stale_fraction", 0.5)
	v.SetDefault("access_check_lookback", "6h")
	v.SetDefault("alert_rate_limit_per_5min", 5)

	interval, err := time.ParseDuration(v.GetString("detector_scan_interval"))
	if err != nil {
		interval = 5 * time.Minute
	}
	lookback, err := time.ParseDuration(v.GetString("access_check_lookback"))
	if err != nil {
		lookback = 6 * time.Hour
	}

	return &Settings{
		DetectorScanInterval:       interval,
		WebhookGapWarnMult:         v.GetFloat64("webhook_gap_warn_mult"),
		WebhookGapCritMult:         v.GetFloat64("webhook_gap_crit_mult"),
		RenewalAnomalyMinMu:        v.GetFloat64("renewal_anomaly_min_mu"),
		RenewalAnomalyWarnDropPc:   v.GetFloat64("renewal_anomaly_warn_drop_pct"),
		RenewalAnomalyCritDropPc:   v.GetFloat64("renewal_anomaly_crit_drop_pct"),
		RenewalAnomalyZeroMuFloor:  v.GetFloat64("renewal_anomaly_zero_mu_floor"),
		DataFreshnessStaleFraction: v.GetFloat64("data_freshness_stale_fraction"),
		AccessCheckLookback:        lookback,
		AlertRateLimitPer5Min:      v.GetInt("alert_rate_limit_per_5min"),
	}
}
