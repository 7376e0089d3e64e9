// Package txn holds the transaction records that flow through the pipeline.
//
// A record moves through four shapes: Raw as supplied by the source system,
// Validated after the rule checks, Enriched with derived business attributes,
// and Scored with a risk score and tier. Each shape carries the previous one
// so that a persisted record keeps its full lineage.
package txn

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types known to the M-Pesa source system.
const (
	TypeP2PTransfer     = "P2P_TRANSFER"
	TypeMerchantPayment = "MERCHANT_PAYMENT"
	TypeBillPayment     = "BILL_PAYMENT"
	TypeAirtimeTopup    = "AIRTIME_TOPUP"
	TypeWithdrawal      = "WITHDRAWAL"
	TypeDeposit         = "DEPOSIT"
)

// Channels a transaction can originate from.
const (
	ChannelApp  = "APP"
	ChannelUSSD = "USSD"
	ChannelWeb  = "WEB"
)

// Statuses reported by the source system.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// DefaultCurrency is assumed when a record carries no currency.
const DefaultCurrency = "KES"

// KnownTypes lists every transaction type the validator accepts.
var KnownTypes = []string{
	TypeP2PTransfer,
	TypeMerchantPayment,
	TypeBillPayment,
	TypeAirtimeTopup,
	TypeWithdrawal,
	TypeDeposit,
}

// KnownChannels lists every channel the validator accepts.
var KnownChannels = []string{ChannelApp, ChannelUSSD, ChannelWeb}

// Identity is the stable key of a transaction. Source ids are only unique
// within their source, so both parts are required.
type Identity struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

func (i Identity) String() string {
	return i.Source + "/" + i.ID
}

// Raw is a transaction exactly as the source supplied it. Amount and Fee
// stay strings so that non-numeric input can be rejected instead of lost.
type Raw struct {
	Source     string    `json:"source"`
	SourceID   string    `json:"sourceId"`
	Timestamp  time.Time `json:"timestamp"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Amount     string    `json:"amount"`
	Type       string    `json:"type"`
	Channel    string    `json:"channel,omitempty"`
	Status     string    `json:"status,omitempty"`
	Fee        string    `json:"fee,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Location   string    `json:"location,omitempty"`
	MerchantID string    `json:"merchantId,omitempty"`
	Reference  string    `json:"reference,omitempty"`
}

// Identity returns the record's identity key.
func (r Raw) Identity() Identity {
	return Identity{Source: r.Source, ID: r.SourceID}
}

// Verdict is the validator's pass/reject decision.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

// Flag marks a non-fatal observation about an accepted record.
type Flag string

const (
	FlagAmountOutlier Flag = "amount_outlier"
	FlagSelfTransfer  Flag = "self_transfer"
)

// Violation describes one failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	return v.Field + ": " + v.Message
}

// Validated is a Raw record plus the validator's verdict.
type Validated struct {
	Raw        Raw             `json:"raw"`
	Verdict    Verdict         `json:"verdict"`
	Violations []Violation     `json:"violations,omitempty"`
	Flags      []Flag          `json:"flags,omitempty"`
	Amount     decimal.Decimal `json:"amountValue"`
	Fee        decimal.Decimal `json:"feeValue"`
	Currency   string          `json:"currencyCode"`
}

// Accepted reports whether the record passed validation.
func (v *Validated) Accepted() bool {
	return v.Verdict == VerdictAccepted
}

// HasFlag reports whether f was raised for the record.
func (v *Validated) HasFlag(f Flag) bool {
	for _, got := range v.Flags {
		if got == f {
			return true
		}
	}
	return false
}

// AmountFloat returns the parsed amount for statistical math.
func (v *Validated) AmountFloat() float64 {
	f, _ := v.Amount.Float64()
	return f
}

// Enriched is a Validated record plus derived business attributes and the
// rolling statistics of both counterparties at the time of the transaction.
type Enriched struct {
	Validated

	Category   string       `json:"category"`
	VolumeBand string       `json:"volumeBand"`
	Region     string       `json:"region"`
	Hour       int          `json:"hour"`
	DayOfWeek  time.Weekday `json:"dayOfWeek"`
	Weekend    bool         `json:"weekend"`
	DayPart    string       `json:"dayPart"`

	SenderWindowCount   int     `json:"senderWindowCount"`
	SenderWindowSum     float64 `json:"senderWindowSum"`
	ReceiverWindowCount int     `json:"receiverWindowCount"`
	ReceiverWindowSum   float64 `json:"receiverWindowSum"`

	SenderCount      int64   `json:"senderCount"`
	SenderMean       float64 `json:"senderMean"`
	SenderStddev     float64 `json:"senderStddev"`
	SenderAgeSeconds float64 `json:"senderAgeSeconds"`
	SenderFresh      bool    `json:"senderFresh"`

	NewCounterparty  bool    `json:"newCounterparty"`
	HasPrevious      bool    `json:"hasPrevious"`
	SecondsSincePrev float64 `json:"secondsSincePrev"`
	RapidSuccession  bool    `json:"rapidSuccession"`

	// SenderWindowAmounts holds the sender's outbound amounts inside the
	// trailing window, oldest first.
	SenderWindowAmounts []float64 `json:"-"`

	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degradedReason,omitempty"`
}

// Scored is an Enriched record plus its risk assessment. It is the unit the
// writer persists.
type Scored struct {
	Enriched

	Score        float64            `json:"score"`
	Tier         Tier               `json:"tier"`
	Factors      map[string]float64 `json:"factors"`
	ModelVersion string             `json:"modelVersion"`
	ContentHash  string             `json:"contentHash"`
}

// Identity returns the identity of the underlying raw record.
func (s *Scored) Identity() Identity {
	return s.Raw.Identity()
}
