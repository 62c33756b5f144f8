package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tmcfg "github.com/tendermint/tendermint/config"

	"lattice_consensus/types"
)

const (
	DefaultLatticeDir = ".lattice"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"

	defaultNodeKeyName    = "node_key.json"
	defaultGenesisKeyName = "genesis_key.json"
	defaultRepKeyName     = "rep_key.json"
	defaultDBBackend      = "goleveldb"
)

// ConfirmationHeightMode cementing算法的选择方式
type ConfirmationHeightMode string

const (
	ModeAutomatic = ConfirmationHeightMode("automatic")
	ModeUnbounded = ConfirmationHeightMode("unbounded")
	ModeBounded   = ConfirmationHeightMode("bounded")
)

// TieBreak tally权重相同时选出winner的规则
type TieBreak string

const (
	TieBreakLowestHash  = TieBreak("lowest_hash")
	TieBreakHighestHash = TieBreak("highest_hash")
)

// Config 节点的全部配置
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Consensus          *ConsensusConfig          `mapstructure:"consensus"`
	Scheduler          *SchedulerConfig          `mapstructure:"scheduler"`
	VoteProcessor      *VoteProcessorConfig      `mapstructure:"vote_processor"`
	ConfirmationHeight *ConfirmationHeightConfig `mapstructure:"confirmation_height"`
	P2P                *tmcfg.P2PConfig          `mapstructure:"p2p"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseConfig:         DefaultBaseConfig(),
		Consensus:          DefaultConsensusConfig(),
		Scheduler:          DefaultSchedulerConfig(),
		VoteProcessor:      DefaultVoteProcessorConfig(),
		ConfirmationHeight: DefaultConfirmationHeightConfig(),
		P2P:                tmcfg.DefaultP2PConfig(),
	}
}

// TestConfig 更短的超时，更小的容量
func TestConfig() *Config {
	return &Config{
		BaseConfig:         DefaultBaseConfig(),
		Consensus:          TestConsensusConfig(),
		Scheduler:          DefaultSchedulerConfig(),
		VoteProcessor:      TestVoteProcessorConfig(),
		ConfirmationHeight: TestConfirmationHeightConfig(),
		P2P:                tmcfg.TestP2PConfig(),
	}
}

// SetRoot 把所有相对路径设置到root下
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.Scheduler.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [scheduler] section: %w", err)
	}
	if err := cfg.VoteProcessor.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [vote_processor] section: %w", err)
	}
	if err := cfg.ConfirmationHeight.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [confirmation_height] section: %w", err)
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

type BaseConfig struct {
	RootDir   string `mapstructure:"home"`
	Moniker   string `mapstructure:"moniker"`
	LogLevel  string `mapstructure:"log_level"`
	DBBackend string `mapstructure:"db_backend"`
	DBDir     string `mapstructure:"db_dir"`
	NodeKey   string `mapstructure:"node_key_file"`
	// 本节点作为代表投票使用的密钥，文件不存在时不投票
	RepKey string `mapstructure:"rep_key_file"`

	// 创世账户的私钥，只有init-ledger会写入
	GenesisKey string `mapstructure:"genesis_key_file"`
	// 创世账户余额，十进制
	GenesisAmount string `mapstructure:"genesis_amount"`

	// 周期性输出统计的间隔，0表示关闭
	StatsLogInterval time.Duration `mapstructure:"stats_log_interval"`
}

func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:          "lattice-node",
		LogLevel:         "info",
		DBBackend:        defaultDBBackend,
		DBDir:            defaultDataDir,
		NodeKey:          filepath.Join(defaultConfigDir, defaultNodeKeyName),
		RepKey:           filepath.Join(defaultConfigDir, defaultRepKeyName),
		GenesisKey:       filepath.Join(defaultConfigDir, defaultGenesisKeyName),
		GenesisAmount:    "340282366920938463463374607431768211455",
		StatsLogInterval: time.Minute,
	}
}

func (cfg BaseConfig) DBPath() string {
	return rootify(cfg.DBDir, cfg.RootDir)
}

func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

func (cfg BaseConfig) RepKeyFile() string {
	return rootify(cfg.RepKey, cfg.RootDir)
}

func (cfg BaseConfig) GenesisKeyFile() string {
	return rootify(cfg.GenesisKey, cfg.RootDir)
}

// GenesisAmountValue 解析十进制的创世余额
func (cfg BaseConfig) GenesisAmountValue() (types.Amount, error) {
	return types.AmountFromDecimal(cfg.GenesisAmount)
}

func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q", cfg.DBBackend)
	}
	amount, err := cfg.GenesisAmountValue()
	if err != nil {
		return fmt.Errorf("invalid genesis_amount: %w", err)
	}
	if amount.IsZero() {
		return errors.New("genesis_amount must be positive")
	}
	if cfg.StatsLogInterval < 0 {
		return errors.New("stats_log_interval can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig election以及active elections容器的参数
type ConsensusConfig struct {
	// 同时存在的election上限(vacancy)
	ActiveElectionsSize int `mapstructure:"active_elections_size"`
	// optimistic election占的比例
	OptimisticElectionsPercent int `mapstructure:"optimistic_elections_percent"`

	// 在线权重的多少百分比可以确认区块
	OnlineWeightQuorum uint64 `mapstructure:"online_weight_quorum"`
	// 在线权重的下限，十进制
	OnlineWeightMinimum string `mapstructure:"online_weight_minimum"`
	// 在线代表的观察窗口
	OnlineWeightWindow time.Duration `mapstructure:"online_weight_window"`
	// trended权重保留的样本数
	OnlineWeightSamples int `mapstructure:"online_weight_samples"`

	TieBreak TieBreak `mapstructure:"tie_break"`

	// 网络延迟的基准，election的时间转移按照它的倍数计算
	BaseLatency time.Duration `mapstructure:"base_latency"`
	// passive -> active 所需的base latency倍数
	PassiveDurationFactor int `mapstructure:"passive_duration_factor"`
	// confirmed -> expired_confirmed 所需的base latency倍数
	ConfirmedDurationFactor int `mapstructure:"confirmed_duration_factor"`
	// 未确认的election最长存活时间
	ElectionTimeToLive time.Duration `mapstructure:"election_time_to_live"`
	// optimistic election最长存活时间
	OptimisticTimeToLive time.Duration `mapstructure:"optimistic_time_to_live"`

	// 同一root下最多保留的分叉区块
	MaxBlocksPerElection int `mapstructure:"max_blocks_per_election"`
	// 同一个代表两次投票的最短间隔，按权重分级，0表示关闭
	VoteCooldown time.Duration `mapstructure:"vote_cooldown"`

	// 尚未有election的投票缓存的大小
	InactiveVotesCacheSize int `mapstructure:"inactive_votes_cache_size"`
	// 最近确认的root缓存大小
	RecentlyConfirmedSize int `mapstructure:"recently_confirmed_size"`

	// active elections周期性驱动的间隔
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// solicitor每次flush的限额
	MaxConfirmReqBatches int `mapstructure:"max_confirm_req_batches"`
	MaxConfirmReqHashes  int `mapstructure:"max_confirm_req_hashes"`
	MaxBlockBroadcasts   int `mapstructure:"max_block_broadcasts"`
	MaxElectionRequests  int `mapstructure:"max_election_requests"`

	// 投票生成的延迟和批量阈值，由外部的vote generator使用
	VoteGeneratorDelay     time.Duration `mapstructure:"vote_generator_delay"`
	VoteGeneratorThreshold int           `mapstructure:"vote_generator_threshold"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		ActiveElectionsSize:        5000,
		OptimisticElectionsPercent: 10,
		OnlineWeightQuorum:         67,
		OnlineWeightMinimum:        "60000000000000000000000000000000000000",
		OnlineWeightWindow:         5 * time.Minute,
		OnlineWeightSamples:        4032,
		TieBreak:                   TieBreakLowestHash,
		BaseLatency:                1000 * time.Millisecond,
		PassiveDurationFactor:      5,
		ConfirmedDurationFactor:    5,
		ElectionTimeToLive:         5 * time.Minute,
		OptimisticTimeToLive:       30 * time.Second,
		MaxBlocksPerElection:       10,
		VoteCooldown:               time.Second,
		InactiveVotesCacheSize:     16 * 1024,
		RecentlyConfirmedSize:      65536,
		TickInterval:               500 * time.Millisecond,
		MaxConfirmReqBatches:       20,
		MaxConfirmReqHashes:        7,
		MaxBlockBroadcasts:         30,
		MaxElectionRequests:        50,
		VoteGeneratorDelay:         100 * time.Millisecond,
		VoteGeneratorThreshold:     3,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.BaseLatency = 25 * time.Millisecond
	cfg.OnlineWeightMinimum = "0"
	cfg.ElectionTimeToLive = 2 * time.Second
	cfg.OptimisticTimeToLive = time.Second
	cfg.VoteCooldown = 0
	cfg.TickInterval = 10 * time.Millisecond
	cfg.InactiveVotesCacheSize = 256
	cfg.RecentlyConfirmedSize = 256
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.ActiveElectionsSize <= 0 {
		return errors.New("active_elections_size must be positive")
	}
	if cfg.OptimisticElectionsPercent < 0 || cfg.OptimisticElectionsPercent > 100 {
		return errors.New("optimistic_elections_percent must be within [0, 100]")
	}
	if cfg.OnlineWeightQuorum == 0 || cfg.OnlineWeightQuorum > 100 {
		return errors.New("online_weight_quorum must be within (0, 100]")
	}
	if _, err := cfg.OnlineWeightMinimumAmount(); err != nil {
		return fmt.Errorf("invalid online_weight_minimum: %w", err)
	}
	if cfg.TieBreak != TieBreakLowestHash && cfg.TieBreak != TieBreakHighestHash {
		return fmt.Errorf("unknown tie_break %q", cfg.TieBreak)
	}
	if cfg.BaseLatency <= 0 {
		return errors.New("base_latency must be positive")
	}
	if cfg.MaxBlocksPerElection <= 0 {
		return errors.New("max_blocks_per_election must be positive")
	}
	if cfg.InactiveVotesCacheSize <= 0 || cfg.RecentlyConfirmedSize <= 0 {
		return errors.New("cache sizes must be positive")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if cfg.OnlineWeightSamples <= 0 {
		return errors.New("online_weight_samples must be positive")
	}
	if cfg.VoteGeneratorDelay <= 0 {
		return errors.New("vote_generator_delay must be positive")
	}
	return nil
}

// OnlineWeightMinimumAmount 解析十进制的在线权重下限
func (cfg *ConsensusConfig) OnlineWeightMinimumAmount() (types.Amount, error) {
	return types.AmountFromDecimal(cfg.OnlineWeightMinimum)
}

// OptimisticLimit optimistic election的上限
func (cfg *ConsensusConfig) OptimisticLimit() int {
	return cfg.ActiveElectionsSize * cfg.OptimisticElectionsPercent / 100
}

//-----------------------------------------------------------------------------
// SchedulerConfig

type SchedulerConfig struct {
	// prioritization中所有bucket的容量之和
	PrioritizationMaximum int `mapstructure:"prioritization_maximum"`
	// 手动队列的容量
	ManualQueueSize int `mapstructure:"manual_queue_size"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PrioritizationMaximum: 250000,
		ManualQueueSize:       1024,
	}
}

func (cfg *SchedulerConfig) ValidateBasic() error {
	if cfg.PrioritizationMaximum <= 0 {
		return errors.New("prioritization_maximum must be positive")
	}
	if cfg.ManualQueueSize <= 0 {
		return errors.New("manual_queue_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// VoteProcessorConfig

type VoteProcessorConfig struct {
	// 排队的vote上限
	Capacity int `mapstructure:"capacity"`
	// 单次签名验证的batch大小
	BatchSize int `mapstructure:"batch_size"`
	// 签名验证的worker数，0表示使用CPU数
	SignatureCheckerThreads int `mapstructure:"signature_checker_threads"`
	// representative分级的刷新间隔
	RepTiersInterval time.Duration `mapstructure:"rep_tiers_interval"`
}

func DefaultVoteProcessorConfig() *VoteProcessorConfig {
	return &VoteProcessorConfig{
		Capacity:                144 * 1024,
		BatchSize:               256,
		SignatureCheckerThreads: 0,
		RepTiersInterval:        10 * time.Minute,
	}
}

func TestVoteProcessorConfig() *VoteProcessorConfig {
	cfg := DefaultVoteProcessorConfig()
	cfg.Capacity = 900
	cfg.BatchSize = 16
	cfg.SignatureCheckerThreads = 2
	cfg.RepTiersInterval = 50 * time.Millisecond
	return cfg
}

func (cfg *VoteProcessorConfig) ValidateBasic() error {
	if cfg.Capacity <= 0 || cfg.BatchSize <= 0 {
		return errors.New("capacity and batch_size must be positive")
	}
	if cfg.SignatureCheckerThreads < 0 {
		return errors.New("signature_checker_threads can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConfirmationHeightConfig

type ConfirmationHeightConfig struct {
	Mode ConfirmationHeightMode `mapstructure:"mode"`
	// 积累多少个区块的写入后flush
	BatchWriteSize uint64 `mapstructure:"batch_write_size"`
	// 两次flush之间的最短间隔
	BatchMinTime time.Duration `mapstructure:"batch_min_time"`
	// 账本区块总数低于此值时使用unbounded算法
	UnboundedCutoff uint64 `mapstructure:"unbounded_cutoff"`
	// bounded算法内存中最多跟踪的条目数
	MaxItems int `mapstructure:"max_items"`
	// 确认通知channel的容量
	CementedChannelSize int `mapstructure:"cemented_channel_size"`
}

func DefaultConfirmationHeightConfig() *ConfirmationHeightConfig {
	return &ConfirmationHeightConfig{
		Mode:                ModeAutomatic,
		BatchWriteSize:      16384,
		BatchMinTime:        50 * time.Millisecond,
		UnboundedCutoff:     16384,
		MaxItems:            65536,
		CementedChannelSize: 16384,
	}
}

func TestConfirmationHeightConfig() *ConfirmationHeightConfig {
	cfg := DefaultConfirmationHeightConfig()
	cfg.BatchMinTime = 5 * time.Millisecond
	cfg.MaxItems = 64
	cfg.CementedChannelSize = 1024
	return cfg
}

func (cfg *ConfirmationHeightConfig) ValidateBasic() error {
	switch cfg.Mode {
	case ModeAutomatic, ModeUnbounded, ModeBounded:
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.BatchWriteSize == 0 {
		return errors.New("batch_write_size must be positive")
	}
	if cfg.MaxItems < 2 {
		return errors.New("max_items must be at least 2")
	}
	if cfg.CementedChannelSize <= 0 {
		return errors.New("cemented_channel_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------

func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
