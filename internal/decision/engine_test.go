package decision

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/strategy"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

// scriptedStrategy drives the engine from tests: it signals long whenever the
// last close exceeds the threshold and can be told to fail on demand.
type scriptedStrategy struct {
	lookback  int
	minBars   int
	threshold float64
	failNext  error
	calls     int
}

func (s *scriptedStrategy) Name() string  { return "scripted" }
func (s *scriptedStrategy) Lookback() int { return s.lookback }
func (s *scriptedStrategy) MinBars() int  { return s.minBars }

func (s *scriptedStrategy) Evaluate(window []types.Bar) ([]strategy.Annotation, error) {
	s.calls++

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil

		return nil, err
	}

	signal := types.NoSignal()

	last := window[len(window)-1]
	if last.Close > s.threshold {
		signal = types.TradeSignal{
			Action:     types.SignalOpenLong,
			EntryPrice: last.Close,
			TakeProfit: optional.Some(last.Close + 10),
			StopLoss:   optional.Some(last.Close - 5),
			Confidence: 0.9,
		}
	}

	return []strategy.Annotation{{Signal: signal}}, nil
}

type EngineTestSuite struct {
	suite.Suite
	strat  *scriptedStrategy
	engine *Engine
	base   time.Time
}

func (suite *EngineTestSuite) SetupTest() {
	log, err := logger.NewLogger()
	suite.Require().NoError(err)

	suite.strat = &scriptedStrategy{lookback: 10, minBars: 3, threshold: 100}
	suite.engine = NewEngine(suite.strat, log, telemetry.NopSink{})
	suite.base = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
}

func (suite *EngineTestSuite) bar(i int, close float64) types.Bar {
	return types.Bar{
		Symbol: "ES",
		Time:   suite.base.Add(time.Duration(i) * time.Minute),
		Open:   close,
		High:   close + 1,
		Low:    close - 1,
		Close:  close,
		Volume: 10,
	}
}

func (suite *EngineTestSuite) feed(i int, close float64) types.CandleResult {
	result, err := suite.engine.ProcessBar(suite.bar(i, close))
	suite.Require().NoError(err)

	return result
}

func (suite *EngineTestSuite) TestBelowMinBarsIsNoAction() {
	result := suite.feed(0, 150)
	suite.Equal(types.SignalNone, result.Signal.Action)
	suite.Zero(suite.strat.calls)

	result = suite.feed(1, 150)
	suite.Equal(types.SignalNone, result.Signal.Action)
	suite.Zero(suite.strat.calls)
}

func (suite *EngineTestSuite) TestSignalAtMinBars() {
	suite.feed(0, 150)
	suite.feed(1, 150)

	result := suite.feed(2, 150)
	suite.Equal(types.SignalOpenLong, result.Signal.Action)
	suite.Equal(150.0, result.Signal.EntryPrice)
	suite.Equal(1, suite.strat.calls)
}

func (suite *EngineTestSuite) TestDuplicateBarRejected() {
	suite.feed(0, 99)
	suite.feed(1, 99)

	_, err := suite.engine.ProcessBar(suite.bar(1, 200))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDuplicateBar))
	suite.Equal(2, suite.engine.WindowSize())
}

func (suite *EngineTestSuite) TestOutOfOrderBarRejected() {
	suite.feed(5, 99)

	_, err := suite.engine.ProcessBar(suite.bar(2, 99))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeOutOfOrderBar))
	suite.Equal(1, suite.engine.WindowSize())
}

func (suite *EngineTestSuite) TestWindowBoundedByLookback() {
	for i := 0; i < 25; i++ {
		suite.feed(i, 99)
	}

	suite.Equal(10, suite.engine.WindowSize())
}

func (suite *EngineTestSuite) TestStrategyErrorDegradesToNoAction() {
	suite.feed(0, 150)
	suite.feed(1, 150)

	suite.strat.failNext = errors.New(errors.ErrCodeStrategyEvaluation, "boom")

	result := suite.feed(2, 150)
	suite.Equal(types.SignalNone, result.Signal.Action)

	// Window survived the failure: the next bar evaluates normally.
	result = suite.feed(3, 150)
	suite.Equal(types.SignalOpenLong, result.Signal.Action)
	suite.Equal(4, suite.engine.WindowSize())
}

func (suite *EngineTestSuite) TestSignalChangedTracking() {
	suite.feed(0, 99)
	suite.feed(1, 99)

	result := suite.feed(2, 99)
	suite.False(result.SignalChanged) // still NONE

	result = suite.feed(3, 150)
	suite.True(result.SignalChanged) // NONE -> OPEN_LONG

	result = suite.feed(4, 150)
	suite.False(result.SignalChanged) // OPEN_LONG again

	result = suite.feed(5, 99)
	suite.True(result.SignalChanged) // back to NONE
}

func (suite *EngineTestSuite) TestDeterministicReplay() {
	closes := []float64{99, 101, 98, 150, 150, 99, 120, 101, 97, 140}

	run := func() []types.CandleResult {
		log, err := logger.NewLogger()
		suite.Require().NoError(err)

		engine := NewEngine(&scriptedStrategy{lookback: 5, minBars: 2, threshold: 100}, log, telemetry.NopSink{})
		results := make([]types.CandleResult, 0, len(closes))

		for i, c := range closes {
			result, err := engine.ProcessBar(suite.bar(i, c))
			suite.Require().NoError(err)
			results = append(results, result)
		}

		return results
	}

	suite.Equal(run(), run())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
