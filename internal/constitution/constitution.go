// Package constitution implements the ALLUSE Constitution: a versioned,
// immutable-per-process parameter tree every other component consults
// instead of hard-coding thresholds.
package constitution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trueasset/alluse-core/internal/corerr"
	"gopkg.in/yaml.v3"
)

// Constitution is the immutable, versioned parameter document. It is
// loaded once at startup (Load) and never mutated afterward; any
// attempted mutation path does not exist on this type by construction —
// every field is accessed through read-only getters.
type Constitution struct {
	version   string
	sleeves   map[Sleeve]SleeveRules
	capital   CapitalPolicy
	protocol  ProtocolPolicy
	liquidity LiquidityGuards
	hedging   HedgingPolicy
	llms      *LLMSPolicy // nil when the LLMS module is not enabled
}

// Sleeve mirrors types.Sleeve without importing pkg/types, keeping the
// Constitution a leaf package other components depend on, not the other
// way around.
type Sleeve string

const (
	SleeveGen Sleeve = "gen"
	SleeveRev Sleeve = "rev"
	SleeveCom Sleeve = "com"
)

// Schedule is a weekday + time-of-day window a sleeve is permitted to act in.
type Schedule struct {
	Weekday   time.Weekday
	StartTime string // "HH:MM", local exchange time
	EndTime   string
}

// DeltaBand is an inclusive [Min, Max] delta range.
type DeltaBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether delta falls within the inclusive band.
func (b DeltaBand) Contains(delta decimal.Decimal) bool {
	return !delta.LessThan(b.Min) && !delta.GreaterThan(b.Max)
}

// DTEBand is an inclusive [Min, Max] days-to-expiry range.
type DTEBand struct {
	Min int
	Max int
}

func (b DTEBand) Contains(dte int) bool { return dte >= b.Min && dte <= b.Max }

// SleeveRules groups the per-sleeve trading parameters.
type SleeveRules struct {
	PermittedInstruments map[string]bool
	Strategy             string // "CSP" or "CC"
	Delta                DeltaBand
	DTE                  DTEBand
	Schedule             Schedule
	ForkThreshold        decimal.Decimal
	ReinvestmentSweepPct decimal.Decimal // fraction of realized weekly premium swept to reserve
	MaxForks             int
	AllocationRatio      decimal.Decimal // fraction of total capital pool assigned to this sleeve
}

// CapitalPolicy groups capital-policy parameters.
type CapitalPolicy struct {
	DeploymentMin        decimal.Decimal // 0.95
	DeploymentMax        decimal.Decimal // 1.00
	PerSymbolExposureCap decimal.Decimal // 0.25
	MarginUseCap         decimal.Decimal // 0.50
	OrderSliceThreshold  int             // 50 contracts
}

// ProtocolPolicy groups protocol parameters.
type ProtocolPolicy struct {
	ATRPeriod         int
	ATRMethod         string
	BreachL1          decimal.Decimal // 1.0
	BreachL2          decimal.Decimal // 2.0
	BreachL3          decimal.Decimal // 3.0
	CadenceL0         time.Duration
	CadenceL1         time.Duration
	CadenceL2         time.Duration
	CadenceL3         time.Duration
	StopLossMultiple  decimal.Decimal // 3.0
	MaxLossFraction   decimal.Decimal // 0.05
	RollCostThreshold decimal.Decimal // 0.50 of remaining credit -> forces L3
}

// LiquidityGuards groups liquidity-guard parameters.
type LiquidityGuards struct {
	MinOpenInterest int64
	MinDailyVolume  int64
	MaxSpreadPct    decimal.Decimal
	MaxOrderADVPct  decimal.Decimal
}

// VIXTriggers are the named circuit-breaker levels.
type VIXTriggers struct {
	HedgedWeek decimal.Decimal
	SafeMode   decimal.Decimal
	KillSwitch decimal.Decimal
}

// HedgingPolicy groups hedging parameters.
type HedgingPolicy struct {
	BudgetMin           decimal.Decimal
	BudgetMax           decimal.Decimal
	VIX                 VIXTriggers
	PrimaryInstrument   string
	SecondaryInstrument string
	PutDeltaTarget      decimal.Decimal
	CallStrikeBuffer    decimal.Decimal
	DTE                 DTEBand
	RebalanceThreshold  decimal.Decimal
}

// LLMSPolicy groups optional LEAP-ladder parameters. A nil
// *LLMSPolicy on Constitution means the module is disabled.
type LLMSPolicy struct {
	GrowthDurationMonths DTEBand
	HedgeDurationMonths  DTEBand
	GrowthDelta          DeltaBand
	HedgeDelta           DeltaBand
	ProfitTakeThreshold  decimal.Decimal
	StopLossThreshold    decimal.Decimal
	ReinvestmentPct      decimal.Decimal
}

// Version returns the Constitution's version string, stamped on every
// AuditRecord that cites a clause.
func (c *Constitution) Version() string { return c.version }

// Sleeve returns the rules for a sleeve, or an error if unknown.
func (c *Constitution) Sleeve(s Sleeve) (SleeveRules, error) {
	r, ok := c.sleeves[s]
	if !ok {
		return SleeveRules{}, fmt.Errorf("unknown sleeve %q", s)
	}
	return r, nil
}

// Capital returns the capital policy.
func (c *Constitution) Capital() CapitalPolicy { return c.capital }

// Protocol returns the protocol policy.
func (c *Constitution) Protocol() ProtocolPolicy { return c.protocol }

// Liquidity returns the liquidity guards.
func (c *Constitution) Liquidity() LiquidityGuards { return c.liquidity }

// Hedging returns the hedging policy.
func (c *Constitution) Hedging() HedgingPolicy { return c.hedging }

// LLMS returns the LEAP-ladder policy and whether the module is enabled.
func (c *Constitution) LLMS() (LLMSPolicy, bool) {
	if c.llms == nil {
		return LLMSPolicy{}, false
	}
	return *c.llms, true
}

// document is the on-disk YAML shape the Constitution is loaded from.
// Field names mirror the clause structure so the document reads like the
// clauses it encodes.
type document struct {
	Version string `yaml:"version"`
	Sleeves map[string]struct {
		PermittedInstruments []string `yaml:"permittedInstruments"`
		Strategy             string   `yaml:"strategy"`
		DeltaMin             float64  `yaml:"deltaMin"`
		DeltaMax             float64  `yaml:"deltaMax"`
		DTEMin               int      `yaml:"dteMin"`
		DTEMax               int      `yaml:"dteMax"`
		ScheduleWeekday      string   `yaml:"scheduleWeekday"`
		ScheduleStart        string   `yaml:"scheduleStart"`
		ScheduleEnd          string   `yaml:"scheduleEnd"`
		ForkThreshold        float64  `yaml:"forkThreshold"`
		ReinvestmentSweepPct float64  `yaml:"reinvestmentSweepPct"`
		MaxForks             int      `yaml:"maxForks"`
		AllocationRatio      float64  `yaml:"allocationRatio"`
	} `yaml:"sleeves"`
	Capital struct {
		DeploymentMin        float64 `yaml:"deploymentMin"`
		DeploymentMax        float64 `yaml:"deploymentMax"`
		PerSymbolExposureCap float64 `yaml:"perSymbolExposureCap"`
		MarginUseCap         float64 `yaml:"marginUseCap"`
		OrderSliceThreshold  int     `yaml:"orderSliceThreshold"`
	} `yaml:"capital"`
	Protocol struct {
		ATRPeriod         int     `yaml:"atrPeriod"`
		ATRMethod         string  `yaml:"atrMethod"`
		BreachL1          float64 `yaml:"breachL1"`
		BreachL2          float64 `yaml:"breachL2"`
		BreachL3          float64 `yaml:"breachL3"`
		CadenceL0Seconds  int     `yaml:"cadenceL0Seconds"`
		CadenceL1Seconds  int     `yaml:"cadenceL1Seconds"`
		CadenceL2Seconds  int     `yaml:"cadenceL2Seconds"`
		CadenceL3Seconds  int     `yaml:"cadenceL3Seconds"`
		StopLossMultiple  float64 `yaml:"stopLossMultiple"`
		MaxLossFraction   float64 `yaml:"maxLossFraction"`
		RollCostThreshold float64 `yaml:"rollCostThreshold"`
	} `yaml:"protocol"`
	Liquidity struct {
		MinOpenInterest int64   `yaml:"minOpenInterest"`
		MinDailyVolume  int64   `yaml:"minDailyVolume"`
		MaxSpreadPct    float64 `yaml:"maxSpreadPct"`
		MaxOrderADVPct  float64 `yaml:"maxOrderADVPct"`
	} `yaml:"liquidity"`
	Hedging struct {
		BudgetMin           float64 `yaml:"budgetMin"`
		BudgetMax           float64 `yaml:"budgetMax"`
		VIXHedgedWeek       float64 `yaml:"vixHedgedWeek"`
		VIXSafeMode         float64 `yaml:"vixSafeMode"`
		VIXKillSwitch       float64 `yaml:"vixKillSwitch"`
		PrimaryInstrument   string  `yaml:"primaryInstrument"`
		SecondaryInstrument string  `yaml:"secondaryInstrument"`
		PutDeltaTarget      float64 `yaml:"putDeltaTarget"`
		CallStrikeBuffer    float64 `yaml:"callStrikeBuffer"`
		DTEMin              int     `yaml:"dteMin"`
		DTEMax              int     `yaml:"dteMax"`
		RebalanceThreshold  float64 `yaml:"rebalanceThreshold"`
	} `yaml:"hedging"`
	LLMS *struct {
		GrowthMonthsMin     int     `yaml:"growthMonthsMin"`
		GrowthMonthsMax     int     `yaml:"growthMonthsMax"`
		HedgeMonthsMin      int     `yaml:"hedgeMonthsMin"`
		HedgeMonthsMax      int     `yaml:"hedgeMonthsMax"`
		GrowthDeltaMin      float64 `yaml:"growthDeltaMin"`
		GrowthDeltaMax      float64 `yaml:"growthDeltaMax"`
		HedgeDeltaMin       float64 `yaml:"hedgeDeltaMin"`
		HedgeDeltaMax       float64 `yaml:"hedgeDeltaMax"`
		ProfitTakeThreshold float64 `yaml:"profitTakeThreshold"`
		StopLossThreshold   float64 `yaml:"stopLossThreshold"`
		ReinvestmentPct     float64 `yaml:"reinvestmentPct"`
	} `yaml:"llms,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// Load parses and validates a Constitution document. Any validation
// failure returns a corerr.KindConfigError-wrapped error and the
// Constitution is never partially constructed.
func Load(raw []byte) (*Constitution, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, configError("parse constitution document", err)
	}
	if doc.Version == "" {
		return nil, configError("constitution version is required", nil)
	}

	c := &Constitution{
		version: doc.Version,
		sleeves: make(map[Sleeve]SleeveRules, len(doc.Sleeves)),
	}

	var ratioSum decimal.Decimal
	for name, s := range doc.Sleeves {
		sleeve := Sleeve(name)
		deltaMin := decimal.NewFromFloat(s.DeltaMin)
		deltaMax := decimal.NewFromFloat(s.DeltaMax)
		if !deltaMin.LessThan(deltaMax) {
			return nil, configError(fmt.Sprintf("sleeve %q: delta band min must be < max", name), nil)
		}
		weekday, ok := weekdayNames[s.ScheduleWeekday]
		if !ok {
			return nil, configError(fmt.Sprintf("sleeve %q: unknown schedule weekday %q", name, s.ScheduleWeekday), nil)
		}
		instruments := make(map[string]bool, len(s.PermittedInstruments))
		for _, sym := range s.PermittedInstruments {
			instruments[sym] = true
		}
		c.sleeves[sleeve] = SleeveRules{
			PermittedInstruments: instruments,
			Strategy:             s.Strategy,
			Delta:                DeltaBand{Min: deltaMin, Max: deltaMax},
			DTE:                  DTEBand{Min: s.DTEMin, Max: s.DTEMax},
			Schedule: Schedule{
				Weekday:   weekday,
				StartTime: s.ScheduleStart,
				EndTime:   s.ScheduleEnd,
			},
			ForkThreshold:        decimal.NewFromFloat(s.ForkThreshold),
			ReinvestmentSweepPct: decimal.NewFromFloat(s.ReinvestmentSweepPct),
			MaxForks:             s.MaxForks,
			AllocationRatio:      decimal.NewFromFloat(s.AllocationRatio),
		}
		ratioSum = ratioSum.Add(decimal.NewFromFloat(s.AllocationRatio))
	}
	if len(c.sleeves) == 0 {
		return nil, configError("constitution must declare at least one sleeve", nil)
	}
	// Sleeve allocation ratios must sum to 1. Tolerate
	// floating-point round-trip noise from the YAML source at the
	// hundredth-of-a-percent level.
	tolerance := decimal.NewFromFloat(0.0001)
	if ratioSum.Sub(decimal.NewFromFloat(1)).Abs().GreaterThan(tolerance) {
		return nil, configError(fmt.Sprintf("sleeve allocation ratios must sum to 1, got %s", ratioSum.String()), nil)
	}

	c.capital = CapitalPolicy{
		DeploymentMin:        decimal.NewFromFloat(doc.Capital.DeploymentMin),
		DeploymentMax:        decimal.NewFromFloat(doc.Capital.DeploymentMax),
		PerSymbolExposureCap: decimal.NewFromFloat(doc.Capital.PerSymbolExposureCap),
		MarginUseCap:         decimal.NewFromFloat(doc.Capital.MarginUseCap),
		OrderSliceThreshold:  doc.Capital.OrderSliceThreshold,
	}
	if c.capital.DeploymentMin.GreaterThan(c.capital.DeploymentMax) {
		return nil, configError("capital deployment band min must be <= max", nil)
	}

	if doc.Protocol.ATRPeriod < 2 {
		return nil, configError("ATR period must be >= 2", nil)
	}
	c.protocol = ProtocolPolicy{
		ATRPeriod:         doc.Protocol.ATRPeriod,
		ATRMethod:         doc.Protocol.ATRMethod,
		BreachL1:          decimal.NewFromFloat(doc.Protocol.BreachL1),
		BreachL2:          decimal.NewFromFloat(doc.Protocol.BreachL2),
		BreachL3:          decimal.NewFromFloat(doc.Protocol.BreachL3),
		CadenceL0:         time.Duration(doc.Protocol.CadenceL0Seconds) * time.Second,
		CadenceL1:         time.Duration(doc.Protocol.CadenceL1Seconds) * time.Second,
		CadenceL2:         time.Duration(doc.Protocol.CadenceL2Seconds) * time.Second,
		CadenceL3:         time.Duration(doc.Protocol.CadenceL3Seconds) * time.Second,
		StopLossMultiple:  decimal.NewFromFloat(doc.Protocol.StopLossMultiple),
		MaxLossFraction:   decimal.NewFromFloat(doc.Protocol.MaxLossFraction),
		RollCostThreshold: decimal.NewFromFloat(doc.Protocol.RollCostThreshold),
	}
	if !c.protocol.BreachL1.LessThan(c.protocol.BreachL2) || !c.protocol.BreachL2.LessThan(c.protocol.BreachL3) {
		return nil, configError("protocol breach multiples must be strictly increasing L1<L2<L3", nil)
	}

	c.liquidity = LiquidityGuards{
		MinOpenInterest: doc.Liquidity.MinOpenInterest,
		MinDailyVolume:  doc.Liquidity.MinDailyVolume,
		MaxSpreadPct:    decimal.NewFromFloat(doc.Liquidity.MaxSpreadPct),
		MaxOrderADVPct:  decimal.NewFromFloat(doc.Liquidity.MaxOrderADVPct),
	}

	vix := VIXTriggers{
		HedgedWeek: decimal.NewFromFloat(doc.Hedging.VIXHedgedWeek),
		SafeMode:   decimal.NewFromFloat(doc.Hedging.VIXSafeMode),
		KillSwitch: decimal.NewFromFloat(doc.Hedging.VIXKillSwitch),
	}
	if !vix.HedgedWeek.LessThan(vix.SafeMode) || !vix.SafeMode.LessThan(vix.KillSwitch) {
		return nil, configError("VIX triggers must be monotone: hedgedWeek < safeMode < killSwitch", nil)
	}
	c.hedging = HedgingPolicy{
		BudgetMin:           decimal.NewFromFloat(doc.Hedging.BudgetMin),
		BudgetMax:           decimal.NewFromFloat(doc.Hedging.BudgetMax),
		VIX:                 vix,
		PrimaryInstrument:   doc.Hedging.PrimaryInstrument,
		SecondaryInstrument: doc.Hedging.SecondaryInstrument,
		PutDeltaTarget:      decimal.NewFromFloat(doc.Hedging.PutDeltaTarget),
		CallStrikeBuffer:    decimal.NewFromFloat(doc.Hedging.CallStrikeBuffer),
		DTE:                 DTEBand{Min: doc.Hedging.DTEMin, Max: doc.Hedging.DTEMax},
		RebalanceThreshold:  decimal.NewFromFloat(doc.Hedging.RebalanceThreshold),
	}

	if doc.LLMS != nil {
		growthDelta := DeltaBand{Min: decimal.NewFromFloat(doc.LLMS.GrowthDeltaMin), Max: decimal.NewFromFloat(doc.LLMS.GrowthDeltaMax)}
		hedgeDelta := DeltaBand{Min: decimal.NewFromFloat(doc.LLMS.HedgeDeltaMin), Max: decimal.NewFromFloat(doc.LLMS.HedgeDeltaMax)}
		if !growthDelta.Min.LessThan(growthDelta.Max) || !hedgeDelta.Min.LessThan(hedgeDelta.Max) {
			return nil, configError("LLMS delta bands must have min < max", nil)
		}
		c.llms = &LLMSPolicy{
			GrowthDurationMonths: DTEBand{Min: doc.LLMS.GrowthMonthsMin, Max: doc.LLMS.GrowthMonthsMax},
			HedgeDurationMonths:  DTEBand{Min: doc.LLMS.HedgeMonthsMin, Max: doc.LLMS.HedgeMonthsMax},
			GrowthDelta:          growthDelta,
			HedgeDelta:           hedgeDelta,
			ProfitTakeThreshold:  decimal.NewFromFloat(doc.LLMS.ProfitTakeThreshold),
			StopLossThreshold:    decimal.NewFromFloat(doc.LLMS.StopLossThreshold),
			ReinvestmentPct:      decimal.NewFromFloat(doc.LLMS.ReinvestmentPct),
		}
	}

	return c, nil
}

func configError(message string, cause error) error {
	if cause != nil {
		return corerr.Wrap(corerr.KindConfigError, message, cause)
	}
	return corerr.New(corerr.KindConfigError, message)
}
