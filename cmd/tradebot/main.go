package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/moznion/go-optional"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap/zapcore"

	"github.com/quantfold/tradebot/internal/bot"
	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/broker/binance"
	"github.com/quantfold/tradebot/internal/config"
	"github.com/quantfold/tradebot/internal/decision"
	"github.com/quantfold/tradebot/internal/lifecycle"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/monitor"
	"github.com/quantfold/tradebot/internal/strategy"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/version"
)

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	l, err := logger.NewLoggerWithLevel(level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	sink := telemetry.NewLogSink(l)
	defer sink.Close()

	fleet, closers, err := buildFleet(cfg, l, sink)

	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fleet.Run(runCtx)
}

// buildFleet assembles one bot pipeline per configured bot, each with its own
// broker connection. The returned closers shut the broker connections down
// after the fleet stops.
func buildFleet(cfg config.Config, l *logger.Logger, sink telemetry.Sink) (*bot.Fleet, []broker.Broker, error) {
	strategies := strategy.NewRegistry()
	policies := strategy.NewPolicyRegistry()
	fleet := bot.NewFleet(l)

	var closers []broker.Broker

	for _, bc := range cfg.Bots {
		strat, err := strategies.Resolve(bc.Strategy, bc.StrategyParams)
		if err != nil {
			return nil, closers, err
		}

		policy := optional.None[strategy.CancellationPolicy]()

		if bc.CancellationPolicy != "" {
			p, err := policies.Resolve(bc.CancellationPolicy)
			if err != nil {
				return nil, closers, err
			}

			policy = optional.Some(p)
		}

		rules, err := bc.Rules.ToOrderRules()
		if err != nil {
			return nil, closers, err
		}

		b, err := newBroker(cfg.Broker, l)
		if err != nil {
			return nil, closers, err
		}

		closers = append(closers, b)

		engine := decision.NewEngine(strat, l, sink)
		manager := lifecycle.NewManager(b, rules, bc.Symbol, strat.Name(), l, sink)
		mon := monitor.NewMonitor(b, bc.Symbol, policy, l)

		instance := bot.New(bc.Name, bc.Symbol, bc.Interval.Std(), bc.MaxConcurrentTrades,
			engine, manager, mon, b, l, sink)

		if err := fleet.Add(instance); err != nil {
			return nil, closers, err
		}
	}

	return fleet, closers, nil
}

func newBroker(cfg config.BrokerConfig, l *logger.Logger) (broker.Broker, error) {
	switch cfg.Kind {
	case config.BrokerBinance:
		return binance.NewLiveBroker(cfg.Binance, l)
	default:
		return broker.NewPaperBroker(l), nil
	}
}

func schemaAction(_ context.Context, _ *cli.Command) error {
	schema, err := config.ToJSONSchema()
	if err != nil {
		return err
	}

	fmt.Println(schema)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "tradebot",
		Usage:   "Run a fleet of autonomous trading bots",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the bot fleet from a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the YAML config file",
						Required: true,
					},
				},
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the config file format",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
