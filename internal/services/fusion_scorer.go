package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// Sub-score names used as keys into FusionWeights.
const (
	ScoreTechnical = "technical"
	ScoreSentiment = "sentiment"
	ScoreEvent     = "event"
	ScoreVolume    = "volume"
	ScoreTimeframe = "timeframe"
)

// Rejection reasons recorded on candidates.
const (
	ReasonLowTechnicalConfidence = "technical confidence below minimum"
	ReasonSentimentOpposes       = "high-confidence sentiment opposes setup direction"
	ReasonConflictingCritical    = "too many conflicting critical events"
	ReasonLowOverallScore        = "overall score below threshold"
)

// FusionWeights are the fixed weights of the overall score.
var FusionWeights = map[string]decimal.Decimal{
	ScoreTechnical: decimal.NewFromFloat(0.40),
	ScoreSentiment: decimal.NewFromFloat(0.30),
	ScoreEvent:     decimal.NewFromFloat(0.20),
	ScoreVolume:    decimal.NewFromFloat(0.05),
	ScoreTimeframe: decimal.NewFromFloat(0.05),
}

type scoreBucket struct {
	min   decimal.Decimal
	score decimal.Decimal
}

// volumeBuckets maps the latest-bar volume ratio to a score, highest first.
var volumeBuckets = []scoreBucket{
	{min: decimal.NewFromFloat(1.5), score: decimal.NewFromFloat(1.0)},
	{min: decimal.NewFromFloat(1.2), score: decimal.NewFromFloat(0.8)},
	{min: decimal.NewFromFloat(0.8), score: decimal.NewFromFloat(0.6)},
}

type strengthBucket struct {
	min      decimal.Decimal
	strength models.SignalStrength
}

var strengthBuckets = []strengthBucket{
	{min: decimal.NewFromFloat(0.9), strength: models.SignalStrengthVeryStrong},
	{min: decimal.NewFromFloat(0.8), strength: models.SignalStrengthStrong},
	{min: decimal.NewFromFloat(0.7), strength: models.SignalStrengthModerate},
}

var (
	half                  = decimal.NewFromFloat(0.5)
	noEventScore          = decimal.NewFromFloat(0.7)
	missingVolumeScore    = decimal.NewFromFloat(0.5)
	lowVolumeScore        = decimal.NewFromFloat(0.3)
	timeframeAgreeScore   = decimal.NewFromFloat(0.9)
	timeframeOpposeScore  = decimal.NewFromFloat(0.4)
	timeframeUnknownScore = decimal.NewFromFloat(0.6)
	noEventConfidence     = decimal.NewFromFloat(0.6)
	completenessStep      = decimal.NewFromFloat(0.25)
	confidenceAdjustment  = decimal.NewFromFloat(0.2)
)

// FusionDependencies are the collaborators of the full Analyze pipeline.
// Sentiment, Events and Market may be nil.
type FusionDependencies struct {
	Setups    TechnicalSetupProvider
	Sentiment SentimentProvider
	Events    EventProvider
	Market    *MarketContextService
	Breakers  *BreakerRegistry
}

// FusionScorer combines technical, sentiment, event, volume and
// higher-timeframe inputs into a FusionScore and gates candidates.
type FusionScorer struct {
	setups    TechnicalSetupProvider
	sentiment SentimentProvider
	events    EventProvider
	market    *MarketContextService

	sentimentBreaker *ProviderBreaker
	eventBreaker     *ProviderBreaker

	minTechnical      decimal.Decimal
	sentimentOverride decimal.Decimal
	criticalLimit     int
	conflictingLimit  int
	minOverall        decimal.Decimal
	signalTTL         time.Duration
	eventHours        int
	timeframe         string

	logger *logrus.Logger
	now    func() time.Time
}

// NewFusionScorer creates a scorer from the fusion config. timeframe is the
// setup detection timeframe used by Analyze.
func NewFusionScorer(cfg config.FusionConfig, timeframe string, deps FusionDependencies, logger *logrus.Logger) *FusionScorer {
	breakers := deps.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(logger)
	}
	if timeframe == "" {
		timeframe = "1h"
	}
	eventHours := cfg.EventLookbackHours
	if eventHours <= 0 {
		eventHours = 24
	}

	return &FusionScorer{
		setups:            deps.Setups,
		sentiment:         deps.Sentiment,
		events:            deps.Events,
		market:            deps.Market,
		sentimentBreaker:  breakers.GetOrCreate("sentiment", DefaultBreakerConfig()),
		eventBreaker:      breakers.GetOrCreate("events", DefaultBreakerConfig()),
		minTechnical:      decimal.NewFromFloat(cfg.MinTechnicalConfidence),
		sentimentOverride: decimal.NewFromFloat(cfg.SentimentOverrideConfidence),
		criticalLimit:     cfg.CriticalEventLimit,
		conflictingLimit:  cfg.ConflictingEventLimit,
		minOverall:        decimal.NewFromFloat(cfg.MinOverallScore),
		signalTTL:         config.Duration(cfg.SignalTTL, 30*time.Minute),
		eventHours:        eventHours,
		timeframe:         timeframe,
		logger:            logger,
		now:               time.Now,
	}
}

// SignalTTL is the lifetime given to finalized signals.
func (fs *FusionScorer) SignalTTL() time.Duration {
	return fs.signalTTL
}

// Score computes all sub-scores and the weighted overall score. It is
// deterministic and performs no I/O.
func (fs *FusionScorer) Score(setup *models.TechnicalSetup, sentiment *models.SentimentResult, events []models.MarketEvent, market models.MarketContext) models.FusionScore {
	dir := setup.Direction()

	scores := map[string]decimal.Decimal{
		ScoreTechnical: clampUnit(setup.Confidence),
		ScoreSentiment: sentimentScore(sentiment, dir),
		ScoreEvent:     eventScore(events, dir),
		ScoreVolume:    volumeScore(market.VolumeRatio),
		ScoreTimeframe: timeframeScore(market.Trend, dir),
	}

	overall := decimal.Zero
	for name, score := range scores {
		overall = overall.Add(score.Mul(FusionWeights[name]))
	}
	overall = clampUnit(overall)

	return models.FusionScore{
		TechnicalScore:          scores[ScoreTechnical],
		SentimentScore:          scores[ScoreSentiment],
		EventScore:              scores[ScoreEvent],
		VolumeScore:             scores[ScoreVolume],
		TimeframeAlignmentScore: scores[ScoreTimeframe],
		OverallScore:            overall,
		Confidence:              fusionConfidence(setup, sentiment, events, overall),
	}
}

func sentimentScore(sentiment *models.SentimentResult, dir models.Direction) decimal.Decimal {
	if sentiment == nil {
		return half
	}
	align := decimal.NewFromInt(int64(sentiment.Alignment(dir)))
	return clampUnit(half.Add(half.Mul(align).Mul(clampUnit(sentiment.Confidence))))
}

// eventScore maps the severity-and-confidence weighted net impact from
// [-1,1] onto [0,1].
func eventScore(events []models.MarketEvent, dir models.Direction) decimal.Decimal {
	if len(events) == 0 {
		return noEventScore
	}

	weighted := decimal.Zero
	total := decimal.Zero
	for i := range events {
		w := SeverityWeight(events[i].Severity).Mul(clampUnit(events[i].Confidence))
		align := decimal.NewFromInt(int64(events[i].Alignment(dir)))
		weighted = weighted.Add(w.Mul(align))
		total = total.Add(w)
	}
	if total.IsZero() {
		return half
	}
	net := weighted.Div(total)
	return clampUnit(half.Add(net.Mul(half)))
}

// SeverityWeight looks up the weight of sev, treating unknown severities as low.
func SeverityWeight(sev models.EventSeverity) decimal.Decimal {
	if w, ok := models.SeverityWeights[sev]; ok {
		return w
	}
	return models.SeverityWeights[models.SeverityLow]
}

func volumeScore(ratio *decimal.Decimal) decimal.Decimal {
	if ratio == nil {
		return missingVolumeScore
	}
	for _, b := range volumeBuckets {
		if ratio.GreaterThanOrEqual(b.min) {
			return b.score
		}
	}
	return lowVolumeScore
}

func timeframeScore(trend models.TrendDirection, dir models.Direction) decimal.Decimal {
	switch {
	case trend.Agrees(dir):
		return timeframeAgreeScore
	case trend.Opposes(dir):
		return timeframeOpposeScore
	default:
		return timeframeUnknownScore
	}
}

func fusionConfidence(setup *models.TechnicalSetup, sentiment *models.SentimentResult, events []models.MarketEvent, overall decimal.Decimal) decimal.Decimal {
	sentimentConf := half
	completeness := half
	if !sentiment.IsDefault() {
		sentimentConf = clampUnit(sentiment.Confidence)
		completeness = completeness.Add(completenessStep)
	}

	eventConf := noEventConfidence
	if len(events) > 0 {
		sum := decimal.Zero
		for i := range events {
			sum = sum.Add(clampUnit(events[i].Confidence))
		}
		eventConf = sum.Div(decimal.NewFromInt(int64(len(events))))
		completeness = completeness.Add(completenessStep)
	}

	mean := clampUnit(setup.Confidence).Add(sentimentConf).Add(eventConf).Add(completeness).Div(decimal.NewFromInt(4))
	adjusted := mean.Add(overall.Sub(half).Mul(confidenceAdjustment))
	return clampUnit(adjusted)
}

// Evaluate applies every gating rule independently and appends a reason for
// each one that fails. It returns true when the candidate is accepted.
func (fs *FusionScorer) Evaluate(candidate *models.SignalCandidate) bool {
	setup := &candidate.Setup
	dir := setup.Direction()

	for _, problem := range setup.Validate() {
		candidate.Reject("invalid setup: " + problem)
	}

	if setup.Confidence.LessThan(fs.minTechnical) {
		candidate.Reject(ReasonLowTechnicalConfidence)
	}

	if s := candidate.Sentiment; !s.IsDefault() && s.Confidence.GreaterThan(fs.sentimentOverride) && s.Alignment(dir) < 0 {
		candidate.Reject(ReasonSentimentOpposes)
	}

	critical, conflicting := 0, 0
	for i := range candidate.Events {
		if candidate.Events[i].Severity != models.SeverityCritical {
			continue
		}
		critical++
		if candidate.Events[i].Alignment(dir) < 0 {
			conflicting++
		}
	}
	if critical > fs.criticalLimit && conflicting > fs.conflictingLimit {
		candidate.Reject(ReasonConflictingCritical)
	}

	if candidate.Score.OverallScore.LessThan(fs.minOverall) {
		candidate.Reject(ReasonLowOverallScore)
	}

	return !candidate.IsRejected()
}

// Finalize turns an accepted candidate into an immutable TradingSignal.
func (fs *FusionScorer) Finalize(candidate *models.SignalCandidate) (*models.TradingSignal, error) {
	if candidate == nil {
		return nil, utils.NewValidationError("nil candidate")
	}
	if candidate.IsRejected() {
		return nil, utils.NewValidationErrorf("candidate for %s was rejected: %s",
			candidate.Setup.Symbol, strings.Join(candidate.RejectionReasons, "; "))
	}

	now := fs.now()
	setup := candidate.Setup
	return &models.TradingSignal{
		ID:           uuid.New().String(),
		Symbol:       setup.Symbol,
		Direction:    setup.Direction(),
		SetupType:    setup.SetupType,
		Timeframe:    setup.Timeframe,
		EntryPrice:   setup.EntryPrice,
		StopLoss:     setup.StopLoss,
		TakeProfits:  append([]decimal.Decimal(nil), setup.TakeProfits...),
		Score:        candidate.Score,
		Confidence:   candidate.Score.Confidence,
		Strength:     StrengthFor(candidate.Score.OverallScore),
		EventCount:   len(candidate.Events),
		HasSentiment: !candidate.Sentiment.IsDefault(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(fs.signalTTL),
	}, nil
}

// StrengthFor buckets an overall score.
func StrengthFor(overall decimal.Decimal) models.SignalStrength {
	for _, b := range strengthBuckets {
		if overall.GreaterThanOrEqual(b.min) {
			return b.strength
		}
	}
	return models.SignalStrengthWeak
}

// Analyze runs the full pipeline for one symbol: setup detection, then
// sentiment, events and market context in parallel, then scoring and
// gating. A nil candidate with a nil error means no setup was found.
// Sentiment and event failures degrade to neutral inputs.
func (fs *FusionScorer) Analyze(ctx context.Context, symbol string) (*models.SignalCandidate, error) {
	if fs.setups == nil {
		return nil, errors.New("fusion scorer has no setup provider")
	}

	setup, err := fs.setups.DetectSetup(ctx, symbol, fs.timeframe)
	if err != nil {
		return nil, fmt.Errorf("detect setup for %s: %w", symbol, err)
	}
	if setup == nil {
		return nil, nil
	}
	if setup.Timeframe == "" {
		setup.Timeframe = fs.timeframe
	}

	var (
		sentiment *models.SentimentResult
		events    []models.MarketEvent
		market    = models.MarketContext{Trend: models.TrendUnknown}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sentiment = fs.fetchSentiment(gctx, symbol)
		return nil
	})
	g.Go(func() error {
		events = fs.fetchEvents(gctx, symbol)
		return nil
	})
	if fs.market != nil {
		g.Go(func() error {
			market = fs.market.Build(gctx, symbol, setup.Timeframe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidate := &models.SignalCandidate{
		Setup:       *setup,
		Sentiment:   sentiment,
		Events:      events,
		Market:      market,
		EvaluatedAt: fs.now(),
	}
	candidate.Score = fs.Score(setup, sentiment, events, market)
	accepted := fs.Evaluate(candidate)

	fields := logrus.Fields{
		"component":     "fusion_scorer",
		"symbol":        symbol,
		"direction":     setup.Direction(),
		"setup_type":    setup.SetupType,
		"overall_score": candidate.Score.OverallScore.StringFixed(3),
		"confidence":    candidate.Score.Confidence.StringFixed(3),
	}
	if accepted {
		fs.logger.WithFields(fields).Info("Signal candidate accepted")
	} else {
		fields["reasons"] = candidate.RejectionReasons
		fs.logger.WithFields(fields).Debug("Signal candidate rejected")
	}
	return candidate, nil
}

func (fs *FusionScorer) fetchSentiment(ctx context.Context, symbol string) *models.SentimentResult {
	if fs.sentiment == nil {
		return models.NeutralSentiment(symbol)
	}

	var result *models.SentimentResult
	err := fs.sentimentBreaker.Execute(ctx, func(ctx context.Context) error {
		r, err := fs.sentiment.Analyze(ctx, symbol)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil || result == nil {
		fs.logger.WithFields(logrus.Fields{
			"component": "fusion_scorer",
			"symbol":    symbol,
		}).WithError(err).Warn("Sentiment unavailable, using neutral default")
		return models.NeutralSentiment(symbol)
	}
	return result
}

func (fs *FusionScorer) fetchEvents(ctx context.Context, symbol string) []models.MarketEvent {
	if fs.events == nil {
		return nil
	}

	var result []models.MarketEvent
	err := fs.eventBreaker.Execute(ctx, func(ctx context.Context) error {
		r, err := fs.events.GetRecentEvents(ctx, symbol, fs.eventHours)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		fs.logger.WithFields(logrus.Fields{
			"component": "fusion_scorer",
			"symbol":    symbol,
		}).WithError(err).Warn("Events unavailable, continuing without events")
		return nil
	}
	return result
}

func clampUnit(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if v.GreaterThan(one) {
		return one
	}
	return v
}
