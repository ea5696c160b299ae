package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. HAT_P2P_PORT.
const EnvPrefix = "HAT"

// MinRoundTimeout is the floor for consensus.round_timeout. Slow test
// networks may raise it, nothing may lower it.
const MinRoundTimeout = 30 * time.Second

// Config holds all configuration settings for a node
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Log         LogConfig       `mapstructure:"log"`
	Database    DatabaseConfig  `mapstructure:"database"`
	P2P         P2PConfig       `mapstructure:"p2p"`
	Trust       TrustConfig     `mapstructure:"trust"`
	Scoring     ScoringConfig   `mapstructure:"scoring"`
	Validator   ValidatorConfig `mapstructure:"validator"`
	Consensus   ConsensusConfig `mapstructure:"consensus"`
	Dispute     DisputeConfig   `mapstructure:"dispute"`
	Breaker     BreakerConfig   `mapstructure:"breaker"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Scheduler   SchedConfig     `mapstructure:"scheduler"`
}

// LogConfig holds log file rotation settings
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// DatabaseConfig holds database connection settings. An empty URL with
// embedded disabled runs the node on the in-memory store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Embedded        bool          `mapstructure:"embedded"`
	EmbeddedPort    uint32        `mapstructure:"embedded_port"`
	DataDir         string        `mapstructure:"data_dir"` // empty: <data-dir>/postgres
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// P2PConfig holds libp2p transport settings
type P2PConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	KeyFile         string        `mapstructure:"key_file"`
	KeyPassphrase   string        `mapstructure:"key_passphrase"`
	BootstrapPeers  []string      `mapstructure:"bootstrap_peers"`
	EnableDHT       bool          `mapstructure:"enable_dht"`
	EnableMDNS      bool          `mapstructure:"enable_mdns"`
	JudgmentTimeout time.Duration `mapstructure:"judgment_timeout"`
}

// TrustConfig holds trust graph parameters
type TrustConfig struct {
	MinBond          uint64 `mapstructure:"min_bond"`
	PerPointBond     uint64 `mapstructure:"per_point_bond"`
	MaxDepth         int    `mapstructure:"max_depth"`
	MaxPaths         int    `mapstructure:"max_paths"`
	DecayPercent     int64  `mapstructure:"decay_percent"`
	MinConfirmations int    `mapstructure:"min_confirmations"`
}

// ScoringConfig holds the economic and temporal curve parameters
type ScoringConfig struct {
	StakeHalfUnits         uint64 `mapstructure:"stake_half_units"`
	ClusterPenaltyPercent  int64  `mapstructure:"cluster_penalty_percent"`
	CentralityBonusPercent int64  `mapstructure:"centrality_bonus_percent"`
	MaxStakeAgeDays        int    `mapstructure:"max_stake_age_days"`
	DormancyGraceDays      int    `mapstructure:"dormancy_grace_days"`
}

// ValidatorConfig holds validator eligibility thresholds
type ValidatorConfig struct {
	MinStake              uint64 `mapstructure:"min_stake"`
	MinHATScore           int    `mapstructure:"min_hat_score"`
	MinStakeAgeDays       int    `mapstructure:"min_stake_age_days"`
	MinOnChainAgeDays     int    `mapstructure:"min_on_chain_age_days"`
	MinTxCount            int    `mapstructure:"min_tx_count"`
	MinUniqueInteractions int    `mapstructure:"min_unique_interactions"`
	MinStakeSources       int    `mapstructure:"min_stake_sources"`
	MinUptimePercent      int    `mapstructure:"min_uptime_percent"`
	StakeWeightCap        int    `mapstructure:"stake_weight_cap"`
}

// ConsensusConfig holds round settings
type ConsensusConfig struct {
	CommitteeSize     int           `mapstructure:"committee_size"`
	RoundTimeout      time.Duration `mapstructure:"round_timeout"`
	MaxParallelRounds int           `mapstructure:"max_parallel_rounds"`
}

// DisputeConfig holds arbitration settings
type DisputeConfig struct {
	MinChallengeBond        uint64        `mapstructure:"min_challenge_bond"`
	VotingPeriod            time.Duration `mapstructure:"voting_period"`
	SupermajorityPercent    int64         `mapstructure:"supermajority_percent"`
	QuorumStake             uint64        `mapstructure:"quorum_stake"`
	ChallengerRewardPercent int64         `mapstructure:"challenger_reward_percent"`
	VoterRewardPercent      int64         `mapstructure:"voter_reward_percent"`
}

// BreakerConfig holds collaborator circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// CacheConfig sizes the stale score cache
type CacheConfig struct {
	StaleScores int `mapstructure:"stale_scores"`
}

// SchedConfig holds maintenance job settings. Schedules are cron
// expressions with a seconds field.
type SchedConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	DisputeSweep    string        `mapstructure:"dispute_sweep"`
	RegistryRefresh string        `mapstructure:"registry_refresh"`
	DetectorSweep   string        `mapstructure:"detector_sweep"`
	EdgeSync        string        `mapstructure:"edge_sync"`
}

// Load reads the optional configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so environment overrides work without a file
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("log.file", "logs/hatd.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.console", true)

	v.SetDefault("database.url", "")
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.embedded_port", 5433)
	v.SetDefault("database.data_dir", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.start_timeout", "60s")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.key_file", "data/node.key")
	v.SetDefault("p2p.key_passphrase", "")
	v.SetDefault("p2p.bootstrap_peers", []string{})
	v.SetDefault("p2p.enable_dht", true)
	v.SetDefault("p2p.enable_mdns", false)
	v.SetDefault("p2p.judgment_timeout", "10s")

	v.SetDefault("trust.min_bond", 1_000)
	v.SetDefault("trust.per_point_bond", 10)
	v.SetDefault("trust.max_depth", 4)
	v.SetDefault("trust.max_paths", 64)
	v.SetDefault("trust.decay_percent", 50)
	v.SetDefault("trust.min_confirmations", 6)

	v.SetDefault("scoring.stake_half_units", 10_000)
	v.SetDefault("scoring.cluster_penalty_percent", 50)
	v.SetDefault("scoring.centrality_bonus_percent", 5)
	v.SetDefault("scoring.max_stake_age_days", 365)
	v.SetDefault("scoring.dormancy_grace_days", 30)

	v.SetDefault("validator.min_stake", 10_000)
	v.SetDefault("validator.min_hat_score", 70)
	v.SetDefault("validator.min_stake_age_days", 30)
	v.SetDefault("validator.min_on_chain_age_days", 90)
	v.SetDefault("validator.min_tx_count", 100)
	v.SetDefault("validator.min_unique_interactions", 20)
	v.SetDefault("validator.min_stake_sources", 2)
	v.SetDefault("validator.min_uptime_percent", 90)
	v.SetDefault("validator.stake_weight_cap", 5)

	v.SetDefault("consensus.committee_size", 15)
	v.SetDefault("consensus.round_timeout", "30s")
	v.SetDefault("consensus.max_parallel_rounds", 64)

	v.SetDefault("dispute.min_challenge_bond", 1_000)
	v.SetDefault("dispute.voting_period", "72h")
	v.SetDefault("dispute.supermajority_percent", 67)
	v.SetDefault("dispute.quorum_stake", 100_000)
	v.SetDefault("dispute.challenger_reward_percent", 50)
	v.SetDefault("dispute.voter_reward_percent", 30)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("cache.stale_scores", 10_000)

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "5s")
	v.SetDefault("scheduler.dispute_sweep", "0 */5 * * * *")
	v.SetDefault("scheduler.registry_refresh", "0 */15 * * * *")
	v.SetDefault("scheduler.detector_sweep", "0 0 * * * *")
	v.SetDefault("scheduler.edge_sync", "*/30 * * * * *")
}

// Validate checks every section
func (c *Config) Validate() error {
	checks := []struct {
		section string
		fn      func() error
	}{
		{"database", c.validateDatabase},
		{"p2p", c.validateP2P},
		{"trust", c.validateTrust},
		{"scoring", c.validateScoring},
		{"validator", c.validateValidator},
		{"consensus", c.validateConsensus},
		{"dispute", c.validateDispute},
		{"breaker", c.validateBreaker},
		{"scheduler", c.validateScheduler},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s config: %w", check.section, err)
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Embedded && c.Database.URL != "" {
		return fmt.Errorf("url and embedded are mutually exclusive")
	}
	if c.Database.Embedded && c.Database.EmbeddedPort == 0 {
		return fmt.Errorf("embedded_port must be set")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min_conns must be between 0 and max_conns")
	}
	if c.Database.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if !c.P2P.Enabled {
		return nil
	}
	if c.P2P.Port < 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.KeyFile == "" {
		return fmt.Errorf("key_file cannot be empty")
	}
	c.P2P.KeyFile = filepath.Clean(c.P2P.KeyFile)
	for _, addr := range c.P2P.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", addr, err)
		}
	}
	if c.P2P.JudgmentTimeout <= 0 {
		return fmt.Errorf("judgment_timeout must be positive")
	}
	return nil
}

func (c *Config) validateTrust() error {
	if c.Trust.MinBond == 0 {
		return fmt.Errorf("min_bond must be positive")
	}
	if c.Trust.MaxDepth <= 0 || c.Trust.MaxPaths <= 0 {
		return fmt.Errorf("max_depth and max_paths must be positive")
	}
	if c.Trust.DecayPercent <= 0 || c.Trust.DecayPercent > 100 {
		return fmt.Errorf("decay_percent must be between 1 and 100")
	}
	if c.Trust.MinConfirmations < 0 {
		return fmt.Errorf("min_confirmations cannot be negative")
	}
	return nil
}

func (c *Config) validateScoring() error {
	if c.Scoring.StakeHalfUnits == 0 {
		return fmt.Errorf("stake_half_units must be positive")
	}
	if !percent(c.Scoring.ClusterPenaltyPercent) || !percent(c.Scoring.CentralityBonusPercent) {
		return fmt.Errorf("percentages must be between 0 and 100")
	}
	if c.Scoring.MaxStakeAgeDays <= 0 {
		return fmt.Errorf("max_stake_age_days must be positive")
	}
	return nil
}

func (c *Config) validateValidator() error {
	if c.Validator.MinHATScore < 0 || c.Validator.MinHATScore > 100 {
		return fmt.Errorf("min_hat_score must be between 0 and 100")
	}
	if c.Validator.MinUptimePercent < 0 || c.Validator.MinUptimePercent > 100 {
		return fmt.Errorf("min_uptime_percent must be between 0 and 100")
	}
	if c.Validator.StakeWeightCap <= 0 {
		return fmt.Errorf("stake_weight_cap must be positive")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if c.Consensus.CommitteeSize < 10 {
		return fmt.Errorf("committee_size %d is below the protocol minimum of 10", c.Consensus.CommitteeSize)
	}
	if c.Consensus.RoundTimeout < MinRoundTimeout {
		return fmt.Errorf("round_timeout %s is below %s", c.Consensus.RoundTimeout, MinRoundTimeout)
	}
	if c.Consensus.MaxParallelRounds <= 0 {
		return fmt.Errorf("max_parallel_rounds must be positive")
	}
	return nil
}

func (c *Config) validateDispute() error {
	if c.Dispute.VotingPeriod <= 0 {
		return fmt.Errorf("voting_period must be positive")
	}
	if c.Dispute.SupermajorityPercent <= 50 || c.Dispute.SupermajorityPercent > 100 {
		return fmt.Errorf("supermajority_percent must be above 50 and at most 100")
	}
	if !percent(c.Dispute.ChallengerRewardPercent) || !percent(c.Dispute.VoterRewardPercent) {
		return fmt.Errorf("reward percentages must be between 0 and 100")
	}
	if c.Dispute.ChallengerRewardPercent+c.Dispute.VoterRewardPercent > 100 {
		return fmt.Errorf("rewards cannot exceed the forfeited bond")
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

func percent(p int64) bool {
	return p >= 0 && p <= 100
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
