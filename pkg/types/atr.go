package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ATRValue is the result of an ATR Service computation.
type ATRValue struct {
	Symbol       string          `json:"symbol"`
	AsOf         time.Time       `json:"asOf"`
	Period       int             `json:"period"`
	Method       ATRMethod       `json:"method"`
	Value        decimal.Decimal `json:"value"`
	ComputedAt   time.Time       `json:"computedAt"`
	Source       string          `json:"source"`
	Confidence   decimal.Decimal `json:"confidence"`
	FallbackUsed bool            `json:"fallbackUsed"`
	FromCache    bool            `json:"fromCache"`
}

// ProtocolState is the per-position escalation state the Protocol Engine
// maintains.
type ProtocolState struct {
	PositionID         string          `json:"positionId"`
	Level              ProtocolLevel   `json:"level"`
	EnteredAt          time.Time       `json:"enteredAt"`
	LastBreachMultiple decimal.Decimal `json:"lastBreachMultiple"`
	MonitoringCadence  time.Duration   `json:"monitoringCadence"`
	PendingAction      PendingAction   `json:"pendingAction"`

	// belowThresholdSince tracks how long the breach has sat below the
	// level's lower threshold, for the de-escalation hysteresis rule.
	BelowThresholdSince *time.Time `json:"belowThresholdSince,omitempty"`
}
