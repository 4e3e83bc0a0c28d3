// Package config provides a reusable loader for the node's configuration
// files, environment variables, and CLI flags. It is versioned so that
// callers can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mina-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a participating node, mirroring
// the flags named in spec.md §6.
type Config struct {
	ChainID       string `mapstructure:"chain_id" json:"chain_id"`
	P2PSecretKey  string `mapstructure:"p2p_secret_key" json:"-"`
	PublicKey     string `mapstructure:"public_key" json:"public_key"`
	Fee           uint64 `mapstructure:"fee" json:"fee"`
	AutoCommit    bool   `mapstructure:"auto_commit" json:"auto_commit"`
	Port          int    `mapstructure:"port" json:"port"`
	Verbosity     string `mapstructure:"verbosity" json:"verbosity"`
	Peers         []string `mapstructure:"peers" json:"peers"`
	Record        string `mapstructure:"record" json:"record"`
	WorkDir       string `mapstructure:"work_dir" json:"work_dir"`

	P2P struct {
		MaxPeers         int           `mapstructure:"max_peers" json:"max_peers"`
		ListenAddr       string        `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag     string        `mapstructure:"discovery_tag" json:"discovery_tag"`
		AllowBlockTooLate bool         `mapstructure:"allow_block_too_late" json:"allow_block_too_late"`
		RPCTimeout       time.Duration `mapstructure:"rpc_timeout" json:"rpc_timeout"`
		MaxSendQueueBytes int64        `mapstructure:"max_send_queue_bytes" json:"max_send_queue_bytes"`
		YamuxMaxMessageBytes int       `mapstructure:"yamux_max_message_bytes" json:"yamux_max_message_bytes"`
	} `mapstructure:"p2p" json:"p2p"`

	Ledger struct {
		Depth            int `mapstructure:"depth" json:"depth"`
		AccountSubtreeHeight int `mapstructure:"account_subtree_height" json:"account_subtree_height"`
	} `mapstructure:"ledger" json:"ledger"`

	Pool struct {
		MaxSize           int     `mapstructure:"max_size" json:"max_size"`
		ReplaceFeeFactor  float64 `mapstructure:"replace_fee_factor" json:"replace_fee_factor"`
	} `mapstructure:"pool" json:"pool"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config populated with the node's default operating
// parameters; callers merge file/env/flag overrides on top. A few
// bootstrap-sensitive defaults honor their environment variables directly
// so they hold even before viper's layering runs.
func Default() Config {
	var c Config
	c.ChainID = utils.EnvOrDefault("MINA_CHAIN_ID", "mina:devnet")
	c.Port = utils.EnvOrDefaultInt("MINA_PORT", 8302)
	c.Verbosity = utils.EnvOrDefault("MINA_VERBOSITY", "info")
	c.WorkDir = utils.EnvOrDefault("MINA_WORK_DIR", "./mina-work")
	c.Record = "none"
	c.P2P.MaxPeers = 50
	c.P2P.ListenAddr = "/ip4/0.0.0.0/tcp/8302"
	c.P2P.DiscoveryTag = "mina-core"
	c.P2P.RPCTimeout = 10 * time.Second
	c.P2P.MaxSendQueueBytes = 64 << 20
	c.P2P.YamuxMaxMessageBytes = 1 << 20
	c.Ledger.Depth = 35
	c.Ledger.AccountSubtreeHeight = 6
	c.Pool.MaxSize = 3000
	c.Pool.ReplaceFeeFactor = 1.2
	c.HTTP.ListenAddr = "127.0.0.1:3085"
	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config = Default()

// BindFlags registers the node's persistent CLI flags on fs and binds them
// into viper so flags take precedence over file and environment values.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("chain-id", AppConfig.ChainID, "network chain identifier")
	fs.String("p2p-secret-key", "", "p2p identity secret key (env P2P_SEC_KEY)")
	fs.String("public-key", "", "block producer public key")
	fs.Uint64("fee", 0, "snark work fee")
	fs.Bool("auto-commit", false, "automatically commit completed sync work")
	fs.Int("port", AppConfig.Port, "p2p listen port")
	fs.String("verbosity", AppConfig.Verbosity, "log verbosity")
	fs.StringSlice("peers", nil, "space-delimited bootstrap multiaddrs")
	fs.String("record", AppConfig.Record, "record={none|state-with-input-actions}")
	fs.String("work-dir", AppConfig.WorkDir, "working directory for identity and recordings")

	_ = viper.BindPFlag("chain_id", fs.Lookup("chain-id"))
	_ = viper.BindPFlag("p2p_secret_key", fs.Lookup("p2p-secret-key"))
	_ = viper.BindPFlag("public_key", fs.Lookup("public-key"))
	_ = viper.BindPFlag("fee", fs.Lookup("fee"))
	_ = viper.BindPFlag("auto_commit", fs.Lookup("auto-commit"))
	_ = viper.BindPFlag("port", fs.Lookup("port"))
	_ = viper.BindPFlag("verbosity", fs.Lookup("verbosity"))
	_ = viper.BindPFlag("peers", fs.Lookup("peers"))
	_ = viper.BindPFlag("record", fs.Lookup("record"))
	_ = viper.BindPFlag("work_dir", fs.Lookup("work-dir"))
}

// Load reads configuration files (if present) and merges environment and
// flag overrides on top of Default. The resulting configuration is stored
// in AppConfig and returned.
func Load(configPath string) (*Config, error) {
	AppConfig = Default()

	viper.SetEnvPrefix("MINA")
	viper.AutomaticEnv()
	_ = viper.BindEnv("p2p_secret_key", "P2P_SEC_KEY")

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("load config %s", configPath))
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	var peers []string
	for _, entry := range AppConfig.Peers {
		peers = append(peers, strings.Fields(entry)...)
	}
	AppConfig.Peers = peers
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using only environment variables and
// defaults, skipping any config file lookup.
func LoadFromEnv() (*Config, error) {
	return Load("")
}
