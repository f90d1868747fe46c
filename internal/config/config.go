package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type KeeperConfig struct {
	RPCURL                        string
	Commitment                    rpc.CommitmentType
	ProgramID                     solana.PublicKey
	KeypairPath                   string
	KeypairBase64                 string
	DcaPollInterval               time.Duration
	IntentPollInterval            time.Duration
	TxTimeout                     time.Duration
	SwapTimeout                   time.Duration
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	JupiterAPIURL                 string
	JupiterPriceURL               string
	PriceCacheTTL                 time.Duration
	PriceStreamEnabled            bool
	PriceStreamURL                string
	PriceStreamReconnectInterval  time.Duration
	PriceStreamSymbols            map[solana.PublicKey]string
	HistoryDSN                    string
	MaxVaultsPerTick              int
	MaxConcurrentExecutions       int
	Log                           LogConfig
}

var (
	defaultProgramID       = solana.MustPublicKeyFromBase58("F7gyohBLEMJFkMtQDkhqtEZmpABNPE3t32aL8LTXYjy2")
	defaultJupiterAPIURL   = "https://lite-api.jup.ag/ultra/v1"
	defaultJupiterPriceURL = "https://lite-api.jup.ag/price/v2"
	defaultPriceStreamURL  = "wss://stream.binance.com:9443/stream"
)

func LoadKeeperConfig() (KeeperConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return KeeperConfig{}, err
	}

	keypairPath := envOrDefault("KEEPER_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return KeeperConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return KeeperConfig{}, err
	}

	programID, err := envPubkey("KRYPTOS_PROGRAM_ID", defaultProgramID)
	if err != nil {
		return KeeperConfig{}, err
	}

	dcaPollInterval, err := envDuration("KEEPER_DCA_POLL_INTERVAL", time.Minute)
	if err != nil {
		return KeeperConfig{}, err
	}

	intentPollInterval, err := envDuration("KEEPER_INTENT_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	txTimeout, err := envDuration("KEEPER_TX_TIMEOUT", 30*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	swapTimeout, err := envDuration("KEEPER_SWAP_TIMEOUT", 60*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	skipPreflight, err := envBool("KEEPER_SKIP_PREFLIGHT", false)
	if err != nil {
		return KeeperConfig{}, err
	}

	maxRetries, err := envOptionalUint("KEEPER_MAX_RETRIES")
	if err != nil {
		return KeeperConfig{}, err
	}

	cuLimit, err := envUint32("KEEPER_COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return KeeperConfig{}, err
	}

	cuPrice, err := envUint64("KEEPER_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return KeeperConfig{}, err
	}

	priceCacheTTL, err := envDuration("KEEPER_PRICE_CACHE_TTL", 10*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	priceStreamEnabled, err := envBool("KEEPER_PRICE_STREAM_ENABLED", false)
	if err != nil {
		return KeeperConfig{}, err
	}

	priceStreamReconnect, err := envDuration("KEEPER_PRICE_STREAM_RECONNECT_INTERVAL", 3*time.Second)
	if err != nil {
		return KeeperConfig{}, err
	}

	priceStreamSymbols, err := parseMintSymbolMap(envOrDefault("KEEPER_PRICE_STREAM_SYMBOLS_JSON", ""))
	if err != nil {
		return KeeperConfig{}, err
	}

	maxVaults, err := envInt("KEEPER_MAX_VAULTS_PER_TICK", 50)
	if err != nil {
		return KeeperConfig{}, err
	}

	maxConcurrent, err := envInt("KEEPER_MAX_CONCURRENT_EXECUTIONS", 4)
	if err != nil {
		return KeeperConfig{}, err
	}

	return KeeperConfig{
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", "https://api.devnet.solana.com"),
		Commitment:                    commitment,
		ProgramID:                     programID,
		KeypairPath:                   expandedKeypair,
		KeypairBase64:                 strings.TrimSpace(valueForKey("KEEPER_PRIVATE_KEY")),
		DcaPollInterval:               dcaPollInterval,
		IntentPollInterval:            intentPollInterval,
		TxTimeout:                     txTimeout,
		SwapTimeout:                   swapTimeout,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		JupiterAPIURL:                 envOrDefault("JUPITER_API_URL", defaultJupiterAPIURL),
		JupiterPriceURL:               envOrDefault("JUPITER_PRICE_URL", defaultJupiterPriceURL),
		PriceCacheTTL:                 priceCacheTTL,
		PriceStreamEnabled:            priceStreamEnabled,
		PriceStreamURL:                envOrDefault("KEEPER_PRICE_STREAM_URL", defaultPriceStreamURL),
		PriceStreamReconnectInterval:  priceStreamReconnect,
		PriceStreamSymbols:            priceStreamSymbols,
		HistoryDSN:                    envOrDefault("KEEPER_HISTORY_DSN", ""),
		MaxVaultsPerTick:              maxVaults,
		MaxConcurrentExecutions:       maxConcurrent,
		Log:                           buildLogConfig("KEEPER", "keeper"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

// parseMintSymbolMap maps mint addresses to exchange stream symbols, e.g.
// {"So11111111111111111111111111111111111111112": "solusdt"}.
func parseMintSymbolMap(raw string) (map[solana.PublicKey]string, error) {
	out := make(map[solana.PublicKey]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}

	var temp map[string]string
	if err := json.Unmarshal([]byte(raw), &temp); err != nil {
		return nil, fmt.Errorf("parse KEEPER_PRICE_STREAM_SYMBOLS_JSON: %w", err)
	}

	for key, value := range temp {
		mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q in KEEPER_PRICE_STREAM_SYMBOLS_JSON: %w", key, err)
		}
		symbol := strings.ToLower(strings.TrimSpace(value))
		if symbol == "" {
			return nil, fmt.Errorf("empty symbol for mint %q in KEEPER_PRICE_STREAM_SYMBOLS_JSON", key)
		}
		out[mint] = symbol
	}

	return out, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
