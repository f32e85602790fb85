// Package config loads and validates the YAML fleet configuration.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/quantfold/tradebot/internal/broker/binance"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return errors.Wrap(errors.ErrCodeConfigParseFailed, "duration must be a string", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeConfigParseFailed, err, "invalid duration %q", raw)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BrokerKind selects the execution venue.
type BrokerKind string

const (
	// BrokerPaper runs against the in-memory paper broker.
	BrokerPaper BrokerKind = "paper"
	// BrokerBinance runs against Binance spot.
	BrokerBinance BrokerKind = "binance"
)

// BrokerConfig selects and configures the venue.
type BrokerConfig struct {
	Kind BrokerKind `yaml:"kind" json:"kind" jsonschema:"description=Execution venue,enum=paper,enum=binance" validate:"required,oneof=paper binance"`
	// Binance holds the venue credentials, validated only when kind is binance.
	Binance binance.Config `yaml:"binance" json:"binance" validate:"-"`
}

// RulesConfig is the YAML shape of the order management rules. Unset fields
// fall back to defaults.
type RulesConfig struct {
	CancelIfPriceMovesTicks int      `yaml:"cancel_if_price_moves_ticks" json:"cancel_if_price_moves_ticks" jsonschema:"description=Cancel unfilled orders after this many ticks of adverse movement"`
	OrderTimeout            Duration `yaml:"order_timeout" json:"order_timeout" jsonschema:"description=Cancel unfilled orders after this duration (e.g. 5m)"`
	MaxSlippageTicks        int      `yaml:"max_slippage_ticks" json:"max_slippage_ticks" jsonschema:"description=Maximum accepted fill slippage in ticks"`
	DefaultQuantity         float64  `yaml:"default_quantity" json:"default_quantity" jsonschema:"description=Quantity for each new bracket order"`
	TickSize                float64  `yaml:"tick_size" json:"tick_size" jsonschema:"description=Minimum price increment for the instrument"`
	FlattenDivergenceQty    float64  `yaml:"flatten_divergence_qty" json:"flatten_divergence_qty" jsonschema:"description=Position divergence that triggers an emergency flatten"`
}

// ToOrderRules converts to the runtime rules, filling defaults and
// validating the result.
func (r RulesConfig) ToOrderRules() (types.OrderRules, error) {
	rules := types.OrderRules{
		CancelIfPriceMovesTicks: r.CancelIfPriceMovesTicks,
		OrderTimeout:            r.OrderTimeout.Std(),
		MaxSlippageTicks:        r.MaxSlippageTicks,
		DefaultQuantity:         r.DefaultQuantity,
		TickSize:                r.TickSize,
		FlattenDivergenceQty:    r.FlattenDivergenceQty,
	}.Normalize()

	if err := rules.Validate(); err != nil {
		return types.OrderRules{}, err
	}

	return rules, nil
}

// BotConfig configures one bot of the fleet.
type BotConfig struct {
	Name     string   `yaml:"name" json:"name" jsonschema:"description=Unique bot name" validate:"required"`
	Symbol   string   `yaml:"symbol" json:"symbol" jsonschema:"description=Instrument symbol" validate:"required"`
	Interval Duration `yaml:"interval" json:"interval" jsonschema:"description=Bar interval (e.g. 1m, 5m)" validate:"required"`
	// Strategy is the registered strategy name.
	Strategy string `yaml:"strategy" json:"strategy" jsonschema:"description=Registered strategy name" validate:"required"`
	// StrategyParams is passed verbatim to the strategy factory.
	StrategyParams map[string]any `yaml:"strategy_params" json:"strategy_params"`
	// CancellationPolicy is the registered policy name, empty for none.
	CancellationPolicy string `yaml:"cancellation_policy" json:"cancellation_policy" jsonschema:"description=Registered cancellation policy name, empty for none"`
	// MaxConcurrentTrades caps open brackets; defaults to 1.
	MaxConcurrentTrades int         `yaml:"max_concurrent_trades" json:"max_concurrent_trades" jsonschema:"description=Maximum open brackets" validate:"gte=0"`
	Rules               RulesConfig `yaml:"rules" json:"rules"`
}

// Config is the root fleet configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string       `yaml:"log_level" json:"log_level" jsonschema:"description=Log level" validate:"omitempty,oneof=debug info warn error"`
	Broker   BrokerConfig `yaml:"broker" json:"broker"`
	Bots     []BotConfig  `yaml:"bots" json:"bots" validate:"min=1,dive"`
}

// Load reads, parses and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeConfigNotFound, err, "cannot read config %s", path)
	}

	return Parse(data)
}

// Parse parses and validates raw YAML config bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeConfigParseFailed, "cannot parse config", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerPaper
	}

	for i := range c.Bots {
		if c.Bots[i].MaxConcurrentTrades == 0 {
			c.Bots[i].MaxConcurrentTrades = 1
		}

		if c.Bots[i].Interval == 0 {
			c.Bots[i].Interval = Duration(time.Minute)
		}
	}
}

// Validate checks the whole tree, including cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	if c.Broker.Kind == BrokerBinance {
		if err := c.Broker.Binance.Validate(); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(c.Bots))

	for _, bot := range c.Bots {
		if _, dup := seen[bot.Name]; dup {
			return errors.Newf(errors.ErrCodeDuplicateBot, "duplicate bot name %q", bot.Name)
		}

		seen[bot.Name] = struct{}{}

		if _, err := bot.Rules.ToOrderRules(); err != nil {
			return err
		}
	}

	return nil
}

// ToJSONSchema renders the JSON schema of the config file format.
func ToJSONSchema() (string, error) {
	reflector := new(jsonschema.Reflector)
	reflector.DoNotReference = true
	schema := reflector.Reflect(&Config{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfiguration, "cannot render config schema", err)
	}

	return string(data), nil
}
