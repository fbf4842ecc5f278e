package facilitator

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vorpalengineering/x402-gateway/types"
	"gopkg.in/yaml.v3"
)

const (
	// TransferModeLedger records settlements without touching a chain.
	TransferModeLedger = "ledger"
	// TransferModeOnchain submits transferWithAuthorization through the
	// network's RPC endpoint.
	TransferModeOnchain = "onchain"

	LedgerDriverMemory   = "memory"
	LedgerDriverPostgres = "postgres"
)

type FacilitatorConfig struct {
	Server      ServerConfig                    `yaml:"server"`
	Networks    map[types.Network]NetworkConfig `yaml:"networks"`
	Supported   []types.SupportedKind           `yaml:"supported"`
	Transaction TransactionConfig               `yaml:"transaction"`
	Ledger      LedgerConfig                    `yaml:"ledger"`
	Auth        AuthConfig                      `yaml:"auth"`
	Log         LogConfig                       `yaml:"log"`
	Signer      SignerConfig                    `yaml:"-"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type NetworkConfig struct {
	RpcUrl  string `yaml:"rpc_url"`
	ChainId int64  `yaml:"chain_id"`
}

type TransactionConfig struct {
	Mode           string `yaml:"mode"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxGasPrice    string `yaml:"max_gas_price"`
	CheckBalance   bool   `yaml:"check_balance"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	APIKey string `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SignerConfig is the facilitator's own key, used to submit transactions.
type SignerConfig struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

func LoadConfig(configPath string) (*FacilitatorConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	if err := loadEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ParseConfig decodes YAML and applies defaults. It does not validate.
func ParseConfig(data []byte) (*FacilitatorConfig, error) {
	var cfg FacilitatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (config *FacilitatorConfig) applyDefaults() {
	if config.Transaction.Mode == "" {
		config.Transaction.Mode = TransferModeLedger
	}
	if config.Ledger.Driver == "" {
		config.Ledger.Driver = LedgerDriverMemory
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	for i := range config.Supported {
		if config.Supported[i].X402Version == 0 {
			config.Supported[i].X402Version = types.X402Version
		}
	}
}

func (config *FacilitatorConfig) GetNetworkConfig(network types.Network) (NetworkConfig, error) {
	networkConfig, exists := config.Networks[network]
	if !exists {
		return NetworkConfig{}, fmt.Errorf("network not configured: %s", network)
	}
	return networkConfig, nil
}

func (config *FacilitatorConfig) IsSupported(scheme types.Scheme, network types.Network) bool {
	for _, s := range config.Supported {
		if s.Scheme == scheme && s.Network == network {
			return true
		}
	}
	return false
}

func (config *FacilitatorConfig) supportsScheme(scheme types.Scheme) bool {
	for _, s := range config.Supported {
		if s.Scheme == scheme {
			return true
		}
	}
	return false
}

func (config *FacilitatorConfig) Validate() error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", config.Server.Port)
	}

	onchain := config.Transaction.Mode == TransferModeOnchain
	switch config.Transaction.Mode {
	case TransferModeLedger, TransferModeOnchain:
	default:
		return fmt.Errorf("invalid transaction mode: %s (must be ledger or onchain)", config.Transaction.Mode)
	}

	if (onchain || config.Transaction.CheckBalance) && len(config.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}

	for network, netCfg := range config.Networks {
		info, err := types.LookupNetwork(network)
		if err != nil {
			return fmt.Errorf("networks: %w", err)
		}
		if netCfg.RpcUrl == "" {
			return fmt.Errorf("network %s missing rpc_url", network)
		}
		if netCfg.ChainId != 0 && netCfg.ChainId != info.ChainID {
			return fmt.Errorf("network %s chain_id %d does not match %d", network, netCfg.ChainId, info.ChainID)
		}
	}

	if len(config.Supported) == 0 {
		return fmt.Errorf("at least one supported scheme/network pair must be configured")
	}
	for _, kind := range config.Supported {
		if _, err := types.ParseScheme(string(kind.Scheme)); err != nil {
			return fmt.Errorf("supported: %w", err)
		}
		if _, err := types.ParseNetwork(string(kind.Network)); err != nil {
			return fmt.Errorf("supported: %w", err)
		}
		if kind.X402Version != types.X402Version {
			return fmt.Errorf("supported: unsupported x402 version %d", kind.X402Version)
		}
		if onchain {
			if _, exists := config.Networks[kind.Network]; !exists {
				return fmt.Errorf("supported network %s is not defined in networks config", kind.Network)
			}
		}
	}

	if config.Transaction.TimeoutSeconds <= 0 {
		return fmt.Errorf("transaction timeout must be positive, got %d", config.Transaction.TimeoutSeconds)
	}
	if onchain {
		if _, ok := new(big.Int).SetString(config.Transaction.MaxGasPrice, 10); !ok {
			return fmt.Errorf("transaction max_gas_price must be a wei amount, got %q", config.Transaction.MaxGasPrice)
		}
		if config.Signer.PrivateKey == nil {
			return fmt.Errorf("private key must be set for onchain mode")
		}
	}

	switch config.Ledger.Driver {
	case LedgerDriverMemory:
	case LedgerDriverPostgres:
		if config.Ledger.DSN == "" {
			return fmt.Errorf("ledger dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid ledger driver: %s (must be memory or postgres)", config.Ledger.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Log.Level)
	}

	return nil
}

// ex: export X402_FACILITATOR_PRIVATE_KEY=0x123...
func loadEnvVars(config *FacilitatorConfig) error {
	if privateKey := os.Getenv("X402_FACILITATOR_PRIVATE_KEY"); privateKey != "" {
		signer, err := ParseSignerKey(privateKey)
		if err != nil {
			return err
		}
		config.Signer = signer
	}
	if apiKey := os.Getenv("X402_FACILITATOR_API_KEY"); apiKey != "" {
		config.Auth.APIKey = apiKey
	}
	if dsn := os.Getenv("X402_LEDGER_DSN"); dsn != "" {
		config.Ledger.DSN = dsn
	}
	return nil
}

// ParseSignerKey turns a hex private key into a SignerConfig.
func ParseSignerKey(privateKeyHex string) (SignerConfig, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return SignerConfig{}, fmt.Errorf("invalid private key: %w", err)
	}
	return SignerConfig{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, nil
}
