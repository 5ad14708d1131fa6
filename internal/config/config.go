// Package config loads the dialer's typed configuration from a YAML
// file, environment overrides, and built-in defaults via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport is a SIP transport protocol.
type Transport string

const (
	TransportUDP Transport = "UDP"
	TransportTCP Transport = "TCP"
	TransportTLS Transport = "TLS"
)

// SRTPMode controls SRTP negotiation.
type SRTPMode string

const (
	SRTPDisabled SRTPMode = "disabled"
	SRTPOptional SRTPMode = "optional"
	SRTPMandatory SRTPMode = "mandatory"
)

// Config is the engine's complete typed configuration, matching the
// recognized option tree 1:1.
type Config struct {
	SIP         SIPConfig         `mapstructure:"sip"`
	RTP         RTPConfig         `mapstructure:"rtp"`
	CallManager CallManagerConfig `mapstructure:"call_manager"`
	AMD         AMDConfig         `mapstructure:"amd"`
	IVR         IVRConfig         `mapstructure:"ivr"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// SIPConfig configures the outbound SIP UA and registrar client.
type SIPConfig struct {
	Server            string        `mapstructure:"server"`
	Port              int           `mapstructure:"port"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Transport         Transport     `mapstructure:"transport"`
	RegisterExpires   int           `mapstructure:"register_expires"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	SRTPMode          SRTPMode      `mapstructure:"srtp_mode"`
	Codecs            []string      `mapstructure:"codecs"`
}

// RTPConfig bounds the local RTP/RTCP port range.
type RTPConfig struct {
	PortStart int `mapstructure:"port_start"`
	PortEnd   int `mapstructure:"port_end"`
}

// CallManagerConfig tunes the concurrency-capped dispatch loop.
type CallManagerConfig struct {
	GlobalMaxConcurrent int `mapstructure:"global_max_concurrent"`
	DispatchIntervalMs  int `mapstructure:"dispatch_interval_ms"`
}

// AMDConfig controls answering-machine detection.
type AMDConfig struct {
	Enabled        bool               `mapstructure:"enabled"`
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	Thresholds     AMDThresholdConfig `mapstructure:"thresholds"`
}

// AMDThresholdConfig holds the tunable energy/ratio constants the
// analyzer uses to classify a call leg.
type AMDThresholdConfig struct {
	SilenceRMS          float64 `mapstructure:"silence_rms"`
	VoiceFrameEnergy     float64 `mapstructure:"voice_frame_energy"`
	MachineSpeakingRatio float64 `mapstructure:"machine_speaking_ratio"`
	MachineMinDuration   float64 `mapstructure:"machine_min_duration_seconds"`
	HumanSpeakingRatio   float64 `mapstructure:"human_speaking_ratio"`
	HumanMaxDuration     float64 `mapstructure:"human_max_duration_seconds"`
	BeepEnergyMultiple   float64 `mapstructure:"beep_energy_multiple"`
}

// IVRConfig bounds menu retries and DTMF collection timing.
type IVRConfig struct {
	MaxMenuRetries      int           `mapstructure:"max_menu_retries"`
	DefaultDTMFTimeout  time.Duration `mapstructure:"default_dtmf_timeout"`
	InterDigitTimeout   time.Duration `mapstructure:"inter_digit_timeout"`
}

// SchedulerConfig tunes the campaign scheduler's polling cadence.
type SchedulerConfig struct {
	PollInterval                 time.Duration `mapstructure:"poll_interval"`
	StaleInProgressGraceMinutes  int           `mapstructure:"stale_in_progress_grace_minutes"`
}

// LoggingConfig configures slog output, including rotating file output.
type LoggingConfig struct {
	Level string         `mapstructure:"level"`
	JSON  bool           `mapstructure:"json"`
	File  FileLogConfig  `mapstructure:"file"`
}

// FileLogConfig configures lumberjack-backed log rotation.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from configFile (if non-empty), environment
// variables prefixed DIALER_, and built-in defaults, then validates it.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dialer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dialer")
	}

	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.port", 5060)
	v.SetDefault("sip.transport", string(TransportUDP))
	v.SetDefault("sip.register_expires", 3600)
	v.SetDefault("sip.keepalive_interval", "30s")
	v.SetDefault("sip.srtp_mode", string(SRTPDisabled))
	v.SetDefault("sip.codecs", []string{"PCMU", "PCMA"})

	v.SetDefault("rtp.port_start", 10000)
	v.SetDefault("rtp.port_end", 20000)

	v.SetDefault("call_manager.global_max_concurrent", 50)
	v.SetDefault("call_manager.dispatch_interval_ms", 100)

	v.SetDefault("amd.enabled", true)
	v.SetDefault("amd.timeout_seconds", 8)
	v.SetDefault("amd.thresholds.silence_rms", 500.0)
	v.SetDefault("amd.thresholds.voice_frame_energy", 1000.0)
	v.SetDefault("amd.thresholds.machine_speaking_ratio", 0.8)
	v.SetDefault("amd.thresholds.machine_min_duration_seconds", 4.0)
	v.SetDefault("amd.thresholds.human_speaking_ratio", 0.7)
	v.SetDefault("amd.thresholds.human_max_duration_seconds", 3.0)
	v.SetDefault("amd.thresholds.beep_energy_multiple", 10.0)

	v.SetDefault("ivr.max_menu_retries", 2)
	v.SetDefault("ivr.default_dtmf_timeout", "5s")
	v.SetDefault("ivr.inter_digit_timeout", "3s")

	v.SetDefault("scheduler.poll_interval", "10s")
	v.SetDefault("scheduler.stale_in_progress_grace_minutes", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file.max_size_mb", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for internal consistency, failing
// fast at startup per the Configuration error kind.
func (c *Config) Validate() error {
	if c.SIP.Server == "" {
		return fmt.Errorf("sip.server is required")
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return fmt.Errorf("invalid sip.port: %d", c.SIP.Port)
	}
	switch c.SIP.Transport {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		return fmt.Errorf("invalid sip.transport: %q", c.SIP.Transport)
	}
	switch c.SIP.SRTPMode {
	case SRTPDisabled, SRTPOptional, SRTPMandatory:
	default:
		return fmt.Errorf("invalid sip.srtp_mode: %q", c.SIP.SRTPMode)
	}

	if c.RTP.PortStart <= 0 || c.RTP.PortEnd <= 0 || c.RTP.PortStart >= c.RTP.PortEnd {
		return fmt.Errorf("invalid rtp port range [%d,%d]", c.RTP.PortStart, c.RTP.PortEnd)
	}

	if c.CallManager.GlobalMaxConcurrent <= 0 {
		return fmt.Errorf("call_manager.global_max_concurrent must be positive")
	}
	if c.CallManager.DispatchIntervalMs <= 0 {
		return fmt.Errorf("call_manager.dispatch_interval_ms must be positive")
	}

	if c.IVR.MaxMenuRetries < 0 {
		return fmt.Errorf("ivr.max_menu_retries must be non-negative")
	}

	if c.Scheduler.StaleInProgressGraceMinutes <= 0 {
		return fmt.Errorf("scheduler.stale_in_progress_grace_minutes must be positive")
	}

	return nil
}
