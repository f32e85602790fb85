package lifecycle

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/quantfold/tradebot/internal/broker"
	"github.com/quantfold/tradebot/internal/logger"
	"github.com/quantfold/tradebot/internal/telemetry"
	"github.com/quantfold/tradebot/internal/types"
	"github.com/quantfold/tradebot/pkg/errors"
)

type ManagerTestSuite struct {
	suite.Suite
	paper   *broker.PaperBroker
	manager *Manager
	now     time.Time
}

func (suite *ManagerTestSuite) SetupTest() {
	log, err := logger.NewLogger()
	suite.Require().NoError(err)

	suite.paper = broker.NewPaperBroker(log)
	suite.now = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	rules := types.OrderRules{
		CancelIfPriceMovesTicks: 5,
		OrderTimeout:            5 * time.Minute,
		MaxSlippageTicks:        2,
		DefaultQuantity:         1,
		TickSize:                0.25,
		FlattenDivergenceQty:    1,
	}

	suite.manager = NewManager(suite.paper, rules, "ES", "test_strategy", log, telemetry.NopSink{})
	suite.manager.SetNowFunc(func() time.Time { return suite.now })
	suite.manager.SetBackoffFunc(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

func (suite *ManagerTestSuite) TearDownTest() {
	_ = suite.paper.Close()
}

func (suite *ManagerTestSuite) openLongResult(price float64) types.CandleResult {
	return types.CandleResult{
		Symbol:       "ES",
		BarTime:      suite.now,
		CurrentPrice: price,
		Signal: types.TradeSignal{
			Action:     types.SignalOpenLong,
			EntryPrice: price,
			TakeProfit: optional.Some(price + 10),
			StopLoss:   optional.Some(price - 5),
			Confidence: 0.8,
		},
		SignalChanged: true,
	}
}

// pump reconciles every event the paper broker has buffered.
func (suite *ManagerTestSuite) pump() {
	for {
		select {
		case event := <-suite.paper.Events():
			suite.manager.Reconcile(context.Background(), event)
		default:
			return
		}
	}
}

func (suite *ManagerTestSuite) bar(low, high, close float64) types.Bar {
	return types.Bar{
		Symbol: "ES",
		Time:   suite.now,
		Open:   close,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 10,
	}
}

func (suite *ManagerTestSuite) TestOpenLongBracket() {
	result, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)
	suite.Require().True(result.IsSome())

	bracket := result.Unwrap()
	suite.Equal(types.OrderSideBuy, bracket.Entry.Side)
	suite.Equal(types.OrderRoleEntry, bracket.Entry.Role)

	// One tick better for a buy: below the market, snapped to the grid.
	suite.Equal(4999.75, bracket.Entry.LimitPrice)

	suite.Require().True(bracket.TakeProfit.IsSome())
	suite.Require().True(bracket.StopLoss.IsSome())
	suite.Equal(types.OrderSideSell, bracket.TakeProfit.Unwrap().Side)
	suite.Equal(types.OrderSideSell, bracket.StopLoss.Unwrap().Side)

	suite.True(suite.manager.HasOpenBracket())
	suite.Equal(1, suite.manager.OpenOrderCount())

	// Exit legs rest locally until the entry fills.
	suite.Equal(1, suite.paper.WorkingOrderCount())
}

func (suite *ManagerTestSuite) TestSecondBracketRefused() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	_, err = suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5001))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBracketExists))
}

func (suite *ManagerTestSuite) TestShortEntryPriceOneTickAbove() {
	result := suite.openLongResult(5000)
	result.Signal.Action = types.SignalOpenShort
	result.Signal.TakeProfit = optional.Some(4990.0)
	result.Signal.StopLoss = optional.Some(5005.0)

	placed, err := suite.manager.PlaceOrder(context.Background(), result)
	suite.Require().NoError(err)

	bracket := placed.Unwrap()
	suite.Equal(types.OrderSideSell, bracket.Entry.Side)
	suite.Equal(5000.25, bracket.Entry.LimitPrice)
	suite.Equal(types.OrderSideBuy, bracket.TakeProfit.Unwrap().Side)
}

func (suite *ManagerTestSuite) TestEntryFillSubmitsExitLegs() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	// Price trades through the entry limit.
	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()

	position := suite.manager.Position()
	suite.Equal(1.0, position.NetQuantity)
	suite.Equal(4999.75, position.AvgEntryPrice)

	// TP and SL now working at the venue.
	suite.Equal(2, suite.paper.WorkingOrderCount())
	suite.True(suite.manager.HasOpenBracket())
}

func (suite *ManagerTestSuite) TestTakeProfitFillCancelsStopLossAndFlattens() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()

	// Price runs to the take profit at 5010.
	suite.paper.PushBar(suite.bar(5005, 5012, 5011))
	suite.pump()
	// Cancellation confirmation for the stop loss leg.
	suite.pump()

	position := suite.manager.Position()
	suite.True(position.IsFlat())
	suite.Equal(0, suite.manager.OpenOrderCount())
	suite.Equal(0, suite.paper.WorkingOrderCount())
	suite.False(suite.manager.HasOpenBracket())
}

func (suite *ManagerTestSuite) TestStopLossFillCancelsTakeProfit() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()

	// Price collapses through the stop at 4995.
	suite.paper.PushBar(suite.bar(4990, 4998, 4991))
	suite.pump()
	suite.pump()

	suite.True(suite.manager.Position().IsFlat())
	suite.Equal(0, suite.paper.WorkingOrderCount())
	suite.False(suite.manager.HasOpenBracket())
}

func (suite *ManagerTestSuite) TestPriceMoveCancel() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	// Market runs 2 points (8 ticks) above the 4999.75 limit.
	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 5001.75)
	suite.Require().Len(report.PriceMoveCancels, 1)
	suite.Empty(report.TimedOut)

	suite.pump()
	suite.Equal(0, suite.manager.OpenOrderCount())
	suite.False(suite.manager.HasOpenBracket())
}

func (suite *ManagerTestSuite) TestPriceMoveWithinThresholdKeepsOrder() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	// 4 ticks above the limit: inside the 5 tick threshold.
	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 5000.75)
	suite.Empty(report.PriceMoveCancels)
	suite.Equal(1, suite.manager.OpenOrderCount())
}

func (suite *ManagerTestSuite) TestTimeoutWithZeroMovement() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	// No price movement, clock advances past the timeout.
	suite.now = suite.now.Add(6 * time.Minute)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 5000)
	suite.Require().Len(report.TimedOut, 1)
	suite.Empty(report.PriceMoveCancels)

	suite.Equal(0, suite.manager.OpenOrderCount())
	suite.False(suite.manager.HasOpenBracket())
}

func (suite *ManagerTestSuite) TestRuleShortCircuitPriceMoveBeforeTimeout() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	// Both rules would trigger; only the first one fires per pass.
	suite.now = suite.now.Add(6 * time.Minute)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 5010)
	suite.Len(report.PriceMoveCancels, 1)
	suite.Empty(report.TimedOut)
}

func (suite *ManagerTestSuite) TestSubmitRetriesExhausted() {
	suite.paper.SetSubmitError(errors.New(errors.ErrCodeBrokerSubmitFailed, "venue down"))

	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeBrokerRetriesExhausted))

	suite.False(suite.manager.HasOpenBracket())
	suite.Equal(0, suite.manager.OpenOrderCount())
}

func (suite *ManagerTestSuite) TestTransientSubmitFailureRecovers() {
	suite.paper.FailNextSubmits(2)

	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)
	suite.Equal(1, suite.paper.WorkingOrderCount())
}

func (suite *ManagerTestSuite) TestDivergenceTriggersFlatten() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()
	suite.Require().Equal(1.0, suite.manager.Position().NetQuantity)

	// Venue claims a much larger position than we track.
	suite.paper.SetReportedPosition("ES", 5)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.True(report.Flattened)
}

func (suite *ManagerTestSuite) TestFlattenReconvergesWithVenue() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()
	suite.Require().Equal(1.0, suite.manager.Position().NetQuantity)

	// Venue claims five contracts; the flatten order must be sized to that
	// and its fill must settle the local book at zero, not at minus four.
	suite.paper.SetReportedPosition("ES", 5)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.Require().True(report.Flattened)

	suite.pump()
	suite.True(suite.manager.Position().IsFlat())

	// With the venue flat as well, later passes stay quiet.
	suite.paper.SetReportedPosition("ES", 0)

	report = suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.False(report.Flattened)
	suite.True(suite.manager.Position().IsFlat())
}

func (suite *ManagerTestSuite) TestVenueFlatAdoptedWithoutOrder() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()
	suite.Require().Equal(1.0, suite.manager.Position().NetQuantity)

	working := suite.paper.WorkingOrderCount()

	// Venue says flat while the local book holds one: nothing to flatten, the
	// venue's state is adopted rather than submitting a zero-quantity order.
	suite.paper.SetReportedPosition("ES", 0)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.False(report.Flattened)
	suite.True(suite.manager.Position().IsFlat())
	suite.Equal(working, suite.paper.WorkingOrderCount())

	report = suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.False(report.Flattened)
}

func (suite *ManagerTestSuite) TestNoFlattenWhenPositionsAgree() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()

	suite.paper.SetReportedPosition("ES", 1)

	report := suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.False(report.Flattened)
}

func (suite *ManagerTestSuite) TestTerminalOrdersPrunedAfterBracketResolves() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()
	suite.paper.PushBar(suite.bar(5005, 5012, 5011))
	suite.pump()
	suite.pump()

	// Entry, take profit and stop loss are all terminal but still tracked.
	suite.Require().False(suite.manager.HasOpenBracket())
	suite.Require().Equal(3, suite.manager.TrackedOrderCount())
	suite.Require().Len(suite.manager.cancelRequested, 1)

	suite.manager.AnalyzeCurrentOrders(context.Background(), 5011)

	suite.Equal(0, suite.manager.TrackedOrderCount())
	suite.Empty(suite.manager.cancelRequested)
}

func (suite *ManagerTestSuite) TestOpenBracketOrdersSurvivePruning() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()

	// The filled entry is terminal but belongs to the open bracket.
	suite.manager.AnalyzeCurrentOrders(context.Background(), 4999)
	suite.Equal(3, suite.manager.TrackedOrderCount())
}

// Exercises random mixes of fills, cancellations, timeouts and re-entry
// attempts against the bracket accounting.
func (suite *ManagerTestSuite) TestSingleBracketUnderRandomInterleavings() {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 40; round++ {
		_ = suite.paper.Close()
		suite.SetupTest()

		_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
		suite.Require().NoError(err)

		for step := 0; step < 12; step++ {
			switch rng.Intn(5) {
			case 0:
				// Trades through the entry limit.
				suite.paper.PushBar(suite.bar(4995, 5001, 4999))
			case 1:
				// Reaches the take profit.
				suite.paper.PushBar(suite.bar(5005, 5012, 5011))
			case 2:
				// Collapses through the stop.
				suite.paper.PushBar(suite.bar(4990, 4998, 4991))
			case 3:
				suite.now = suite.now.Add(3 * time.Minute)
				suite.manager.AnalyzeCurrentOrders(context.Background(), 5000)
			case 4:
				hadBracket := suite.manager.HasOpenBracket()

				_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
				if hadBracket {
					suite.Require().Error(err)
					suite.Require().True(errors.HasCode(err, errors.ErrCodeBracketExists))
				} else {
					suite.Require().NoError(err)
				}
			}

			suite.pump()
			suite.assertSingleBracket()
		}
	}
}

// assertSingleBracket verifies that outstanding orders never span more than
// one bracket, and that none remain once the bracket is released.
func (suite *ManagerTestSuite) assertSingleBracket() {
	brackets := make(map[string]struct{})

	for _, order := range suite.manager.OutstandingOrders() {
		if order.BracketID != "" {
			brackets[order.BracketID] = struct{}{}
		}
	}

	suite.Require().LessOrEqual(len(brackets), 1)

	if !suite.manager.HasOpenBracket() {
		suite.Require().Empty(brackets)
	}
}

func (suite *ManagerTestSuite) TestClosePositionSubmitsOffsettingMarketOrder() {
	_, err := suite.manager.PlaceOrder(context.Background(), suite.openLongResult(5000))
	suite.Require().NoError(err)

	suite.paper.PushBar(suite.bar(4995, 5001, 4999))
	suite.pump()
	suite.Require().Equal(1.0, suite.manager.Position().NetQuantity)

	closeResult := types.CandleResult{
		Symbol:       "ES",
		CurrentPrice: 5002,
		Signal:       types.TradeSignal{Action: types.SignalClosePosition},
	}

	placed, err := suite.manager.PlaceOrder(context.Background(), closeResult)
	suite.Require().NoError(err)
	suite.True(placed.IsNone())

	suite.pump()
	suite.True(suite.manager.Position().IsFlat())
}

func (suite *ManagerTestSuite) TestClosePositionWhenFlatIsNoop() {
	closeResult := types.CandleResult{
		Symbol: "ES",
		Signal: types.TradeSignal{Action: types.SignalClosePosition},
	}

	placed, err := suite.manager.PlaceOrder(context.Background(), closeResult)
	suite.Require().NoError(err)
	suite.True(placed.IsNone())
	suite.Equal(0, suite.manager.OpenOrderCount())
}

func (suite *ManagerTestSuite) TestNoActionSignalPlacesNothing() {
	result := types.CandleResult{
		Symbol: "ES",
		Signal: types.NoSignal(),
	}

	placed, err := suite.manager.PlaceOrder(context.Background(), result)
	suite.Require().NoError(err)
	suite.True(placed.IsNone())
	suite.Equal(0, suite.paper.WorkingOrderCount())
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
