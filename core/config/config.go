package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/safe4337/pkg/erc4337/prefund"
)

const (
	DefaultHttpBindAddress = "localhost:4337"
	DefaultDbPath          = "/tmp/safe4337/db"
	DefaultVacuumInterval  = 10 * time.Minute
)

// Config contains everything the relayer and the CLI need to run one ledger.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	ChainID  *big.Int
	BaseFee  *big.Int
	GasPrice *big.Int

	EntryPoint  common.Address
	Module      common.Address
	Beneficiary common.Address

	DbPath          string
	HttpBindAddress string
	VacuumInterval  time.Duration
	// SocketPath enables the debug REPL on a unix socket
	SocketPath string

	// BackupDir enables backups: one before pending migrations and, when
	// BackupInterval is set, periodic ones while the relayer runs.
	BackupDir      string
	BackupInterval time.Duration

	// remote endpoints used by the client commands
	BundlerURL string
	EthRpcUrl  string

	Accountant prefund.Accountant

	Safes []SafeConfig
}

// SafeConfig describes a safe deployed at genesis with the module enabled.
type SafeConfig struct {
	Address   common.Address
	Owners    []common.Address
	Threshold int
	Balance   *big.Int
}

// These are read from configPath
type ConfigRaw struct {
	Environment                     sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`
	ChainID                         uint64              `yaml:"chain_id" validate:"required"`
	BaseFee                         string              `yaml:"base_fee" validate:"omitempty,numeric"`
	GasPrice                        string              `yaml:"gas_price" validate:"omitempty,numeric"`
	EntryPoint                      string              `yaml:"entry_point" validate:"required,eth_addr"`
	Module                          string              `yaml:"module" validate:"required,eth_addr"`
	Beneficiary                     string              `yaml:"beneficiary" validate:"omitempty,eth_addr"`
	DbPath                          string              `yaml:"db_path"`
	HttpBindAddress                 string              `yaml:"http_bind_address" validate:"omitempty,hostname_port"`
	BundlerURL                      string              `yaml:"bundler_url" validate:"omitempty,url"`
	EthRpcUrl                       string              `yaml:"eth_rpc_url" validate:"omitempty,url"`
	PaymasterVerificationMultiplier uint64              `yaml:"paymaster_verification_multiplier"`
	VacuumInterval                  time.Duration       `yaml:"vacuum_interval"`
	SocketPath                      string              `yaml:"socket_path"`
	BackupDir                       string              `yaml:"backup_dir"`
	BackupInterval                  time.Duration       `yaml:"backup_interval"`
	Safes                           []SafeConfigRaw     `yaml:"safes" validate:"dive"`
}

type SafeConfigRaw struct {
	Address   string   `yaml:"address" validate:"required,eth_addr"`
	Owners    []string `yaml:"owners" validate:"required,min=1,unique,dive,eth_addr"`
	Threshold int      `yaml:"threshold" validate:"required,min=1"`
	// Balance is in ether, e.g. "1.5"
	Balance string `yaml:"balance" validate:"omitempty,numeric"`
}

var validate = validator.New()

// NewConfig reads and validates the yaml file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFilePath, err)
	}
	return Parse(data)
}

// Parse builds a Config from yaml bytes.
func Parse(data []byte) (*Config, error) {
	var configRaw ConfigRaw
	if err := yaml.Unmarshal(data, &configRaw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(&configRaw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if configRaw.Environment == "" {
		configRaw.Environment = sdklogging.Development
	}
	logger, err := sdklogging.NewZapLogger(configRaw.Environment)
	if err != nil {
		return nil, err
	}

	baseFee, err := parseWei(configRaw.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("base_fee: %w", err)
	}
	gasPrice, err := parseWei(configRaw.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("gas_price: %w", err)
	}

	config := &Config{
		Environment:     configRaw.Environment,
		Logger:          logger,
		ChainID:         new(big.Int).SetUint64(configRaw.ChainID),
		BaseFee:         baseFee,
		GasPrice:        gasPrice,
		EntryPoint:      common.HexToAddress(configRaw.EntryPoint),
		Module:          common.HexToAddress(configRaw.Module),
		Beneficiary:     common.HexToAddress(configRaw.Beneficiary),
		DbPath:          configRaw.DbPath,
		HttpBindAddress: configRaw.HttpBindAddress,
		VacuumInterval:  configRaw.VacuumInterval,
		SocketPath:      configRaw.SocketPath,
		BackupDir:       configRaw.BackupDir,
		BackupInterval:  configRaw.BackupInterval,
		BundlerURL:      configRaw.BundlerURL,
		EthRpcUrl:       configRaw.EthRpcUrl,
		Accountant:      prefund.New(configRaw.PaymasterVerificationMultiplier),
	}

	for i, raw := range configRaw.Safes {
		safe, err := raw.toSafeConfig()
		if err != nil {
			return nil, fmt.Errorf("safes[%d]: %w", i, err)
		}
		config.Safes = append(config.Safes, *safe)
	}

	config.applyDefaults()
	return config, config.validate()
}

func (c *Config) applyDefaults() {
	if c.DbPath == "" {
		c.DbPath = DefaultDbPath
	}
	if c.HttpBindAddress == "" {
		c.HttpBindAddress = DefaultHttpBindAddress
	}
	if c.VacuumInterval <= 0 {
		c.VacuumInterval = DefaultVacuumInterval
	}
	if c.Beneficiary == (common.Address{}) {
		c.Beneficiary = c.EntryPoint
	}
}

func (c *Config) validate() error {
	if c.EntryPoint == c.Module {
		return fmt.Errorf("invalid config: entry_point and module must differ")
	}
	seen := make(map[common.Address]bool, len(c.Safes))
	for _, s := range c.Safes {
		if s.Address == c.EntryPoint || s.Address == c.Module || seen[s.Address] {
			return fmt.Errorf("invalid config: safe %s collides with another address", s.Address.Hex())
		}
		seen[s.Address] = true
	}
	return nil
}

func (raw SafeConfigRaw) toSafeConfig() (*SafeConfig, error) {
	owners := convertToAddressSlice(raw.Owners)
	if raw.Threshold > len(owners) {
		return nil, fmt.Errorf("threshold %d exceeds %d owners", raw.Threshold, len(owners))
	}
	balance, err := parseEther(raw.Balance)
	if err != nil {
		return nil, err
	}
	return &SafeConfig{
		Address:   common.HexToAddress(raw.Address),
		Owners:    owners,
		Threshold: raw.Threshold,
		Balance:   balance,
	}, nil
}
