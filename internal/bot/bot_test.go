package bot

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/decision"
	"github.com/quantfold/tradebot/internal/lifecycle"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/monitor"
	"github.com/quantfold/tradebot/internal/strategy"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
)

// thresholdStrategy opens long whenever the close exceeds the threshold.
type thresholdStrategy struct {
	threshold float64
}

func (s *thresholdStrategy) Name() string  { return "threshold" }
func (s *thresholdStrategy) Lookback() int { return 10 }
func (s *thresholdStrategy) MinBars() int  { return 2 }

func (s *thresholdStrategy) Evaluate(window []types.Bar) ([]strategy.Annotation, error) {
	signal := types.NoSignal()

	last := window[len(window)-1]
	if last.Close > s.threshold {
		signal = types.TradeSignal{
			Action:     types.SignalOpenLong,
			EntryPrice: last.Close,
			TakeProfit: optional.Some(last.Close + 10),
			StopLoss:   optional.Some(last.Close - 5),
			Confidence: 1,
		}
	}

	return []strategy.Annotation{{Signal: signal}}, nil
}

type BotTestSuite struct {
	suite.Suite
	paper *broker.PaperBroker
	bot   *Bot
	base  time.Time
}

func (suite *BotTestSuite) SetupTest() {
	log, err := logger.NewLogger()
	suite.Require().NoError(err)

	suite.paper = broker.NewPaperBroker(log)
	suite.base = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	suite.bot = suite.newBot(log, "alpha", 1)
}

func (suite *BotTestSuite) newBot(log *logger.Logger, name string, maxOpen int) *Bot {
	strat := &thresholdStrategy{threshold: 100}
	engine := decision.NewEngine(strat, log, telemetry.NopSink{})

	manager := lifecycle.NewManager(suite.paper, types.DefaultOrderRules(), "ES", strat.Name(), log, telemetry.NopSink{})
	manager.SetBackoffFunc(func() backoff.BackOff { return &backoff.ZeroBackOff{} })

	mon := monitor.NewMonitor(suite.paper, "ES", optional.None[strategy.CancellationPolicy](), log)

	return New(name, "ES", time.Minute, maxOpen, engine, manager, mon, suite.paper, log, telemetry.NopSink{})
}

func (suite *BotTestSuite) TearDownTest() {
	_ = suite.paper.Close()
}

func (suite *BotTestSuite) bar(i int, low, high, close float64) types.Bar {
	return types.Bar{
		Symbol: "ES",
		Time:   suite.base.Add(time.Duration(i) * time.Minute),
		Open:   close,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 10,
	}
}

// step runs one bar through the pipeline the way Run's select loop would:
// the bot processes the bar, the venue then trades through its range, and
// every resulting broker event is reconciled before the next bar.
func (suite *BotTestSuite) step(bar types.Bar) {
	ctx := context.Background()
	suite.bot.onBar(ctx, bar)
	suite.paper.PushBar(bar)

	for {
		select {
		case event := <-suite.paper.Events():
			suite.bot.manager.Reconcile(ctx, event)
			suite.bot.syncMonitor(ctx)
		default:
			return
		}
	}
}

func (suite *BotTestSuite) TestFullTradePipeline() {
	// Warmup below the threshold.
	suite.step(suite.bar(0, 98, 100, 99))
	suite.step(suite.bar(1, 98, 100, 99))
	suite.False(suite.bot.manager.HasOpenBracket())

	// Signal bar: close above threshold opens a bracket.
	suite.step(suite.bar(2, 100, 111, 110))
	suite.True(suite.bot.manager.HasOpenBracket())
	suite.True(suite.bot.monitor.Active())

	// The signal bar's range trades through the entry limit one tick under
	// 110; the fill puts the exit legs to work.
	suite.step(suite.bar(3, 109, 111, 110))
	suite.InDelta(1.0, suite.bot.manager.Position().NetQuantity, 1e-9)
	suite.Equal(2, suite.paper.WorkingOrderCount())

	// Take profit at ~120 fills, stop loss is cancelled, position flat.
	suite.step(suite.bar(4, 118, 121, 120))
	suite.True(suite.bot.manager.Position().IsFlat())
	suite.Equal(0, suite.paper.WorkingOrderCount())
	suite.False(suite.bot.manager.HasOpenBracket())
	suite.False(suite.bot.monitor.Active())
}

func (suite *BotTestSuite) TestMonitorFollowsOutstandingOrders() {
	suite.step(suite.bar(0, 98, 100, 99))
	suite.step(suite.bar(1, 98, 100, 99))
	suite.False(suite.bot.monitor.Active())

	suite.step(suite.bar(2, 100, 111, 110))
	suite.True(suite.bot.monitor.Active())
}

func (suite *BotTestSuite) TestUnchangedSignalDoesNotReenter() {
	suite.step(suite.bar(0, 98, 100, 99))
	suite.step(suite.bar(1, 98, 100, 99))

	// Signal fires and the entry fills within the same bar range later.
	suite.step(suite.bar(2, 100, 111, 110))
	suite.step(suite.bar(3, 109, 111, 110))
	suite.Require().InDelta(1.0, suite.bot.manager.Position().NetQuantity, 1e-9)

	workingBefore := suite.paper.WorkingOrderCount()

	// Still above threshold: same signal, unchanged, must not stack a
	// second bracket.
	suite.step(suite.bar(4, 109, 111, 110))
	suite.Equal(workingBefore, suite.paper.WorkingOrderCount())
}

func (suite *BotTestSuite) TestMaxConcurrentTradesGate() {
	ctx := context.Background()

	suite.step(suite.bar(0, 98, 100, 99))
	suite.step(suite.bar(1, 98, 100, 99))
	suite.step(suite.bar(2, 100, 111, 110))
	suite.Require().True(suite.bot.manager.HasOpenBracket())

	// A fresh changed signal while the bracket is open is gated.
	result := types.CandleResult{
		Symbol:       "ES",
		CurrentPrice: 112,
		Signal: types.TradeSignal{
			Action:     types.SignalOpenLong,
			EntryPrice: 112,
			Confidence: 1,
		},
		SignalChanged: true,
	}

	workingBefore := suite.paper.WorkingOrderCount()
	suite.bot.maybePlace(ctx, result)
	suite.Equal(workingBefore, suite.paper.WorkingOrderCount())
}

func TestBotSuite(t *testing.T) {
	suite.Run(t, new(BotTestSuite))
}
