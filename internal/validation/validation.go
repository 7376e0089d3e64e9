// Package validation implements the record validator and the request
// guards used by the ingest API.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// MaxRequestSize is the maximum ingest body size (8MB)
const MaxRequestSize = 8 << 20

// Defaults for the validation rules.
const (
	DefaultAccountPattern   = `^254\d{9}$`
	DefaultAmountCeiling    = "250000"
	DefaultClockSkew        = 5 * time.Minute
	DefaultRetentionHorizon = 365 * 24 * time.Hour
)

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Amounts are stored as NUMERIC(18,2): at most 16 integer digits and 2
// decimal places.
const amountScale = 2

var amountLimit = decimal.New(1, 16)

// Rule names reported in violations.
const (
	RuleRequired       = "required"
	RuleNumeric        = "numeric"
	RulePositive       = "positive"
	RuleNonNegative    = "non_negative"
	RulePrecision      = "amount_precision"
	RuleFutureTime     = "future_timestamp"
	RuleStaleTime      = "stale_timestamp"
	RuleAccountFormat  = "account_format"
	RuleUnknownType    = "unknown_type"
	RuleUnknownChannel = "unknown_channel"
	RuleCurrency       = "currency_format"
)

// Rules is the static configuration of the validator.
type Rules struct {
	AmountCeiling    decimal.Decimal
	ClockSkew        time.Duration
	RetentionHorizon time.Duration
	AccountPattern   *regexp.Regexp
}

// DefaultRules returns the rules used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		AmountCeiling:    decimal.RequireFromString(DefaultAmountCeiling),
		ClockSkew:        DefaultClockSkew,
		RetentionHorizon: DefaultRetentionHorizon,
		AccountPattern:   regexp.MustCompile(DefaultAccountPattern),
	}
}

// Validator checks raw records against Rules. It holds no mutable state and
// is safe for concurrent use.
type Validator struct {
	rules Rules
}

// New creates a validator. Zero-valued rule fields fall back to defaults.
func New(rules Rules) *Validator {
	def := DefaultRules()
	if rules.AccountPattern == nil {
		rules.AccountPattern = def.AccountPattern
	}
	if rules.AmountCeiling.IsZero() {
		rules.AmountCeiling = def.AmountCeiling
	}
	if rules.ClockSkew <= 0 {
		rules.ClockSkew = def.ClockSkew
	}
	if rules.RetentionHorizon <= 0 {
		rules.RetentionHorizon = def.RetentionHorizon
	}
	return &Validator{rules: rules}
}

// Validate checks every rule and collects all violations; it never stops at
// the first failure. now is the reference time for the timestamp window.
func (v *Validator) Validate(raw txn.Raw, now time.Time) *txn.Validated {
	out := &txn.Validated{
		Raw:      raw,
		Currency: strings.TrimSpace(raw.Currency),
	}
	if out.Currency == "" {
		out.Currency = txn.DefaultCurrency
	}

	violations := Validate(
		Required("source", raw.Source),
		Required("sourceId", raw.SourceID),
		RequiredTime("timestamp", raw.Timestamp),
		Required("sender", raw.Sender),
		Required("receiver", raw.Receiver),
		Required("amount", raw.Amount),
		Required("type", raw.Type),
		PositiveAmount("amount", raw.Amount, &out.Amount),
		NonNegativeAmount("fee", raw.Fee, &out.Fee),
		TimestampWindow("timestamp", raw.Timestamp, now, v.rules.ClockSkew, v.rules.RetentionHorizon),
		Account("sender", raw.Sender, v.rules.AccountPattern),
		Account("receiver", raw.Receiver, v.rules.AccountPattern),
		OneOf("type", raw.Type, txn.KnownTypes, RuleUnknownType),
		OneOf("channel", raw.Channel, txn.KnownChannels, RuleUnknownChannel),
		Currency("currency", out.Currency),
	)

	if len(violations) > 0 {
		out.Verdict = txn.VerdictRejected
		out.Violations = violations
		return out
	}

	out.Verdict = txn.VerdictAccepted
	if out.Amount.GreaterThan(v.rules.AmountCeiling) {
		out.Flags = append(out.Flags, txn.FlagAmountOutlier)
	}
	if raw.Sender == raw.Receiver {
		out.Flags = append(out.Flags, txn.FlagSelfTransfer)
	}
	return out
}

// Validate runs every check and returns the violations found.
func Validate(checks ...func() *txn.Violation) []txn.Violation {
	var violations []txn.Violation
	for _, check := range checks {
		if v := check(); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// Required checks if a field is non-empty
func Required(field, value string) func() *txn.Violation {
	return func() *txn.Violation {
		if strings.TrimSpace(value) == "" {
			return &txn.Violation{Field: field, Rule: RuleRequired, Message: "is required"}
		}
		return nil
	}
}

// RequiredTime checks that a timestamp was supplied.
func RequiredTime(field string, value time.Time) func() *txn.Violation {
	return func() *txn.Violation {
		if value.IsZero() {
			return &txn.Violation{Field: field, Rule: RuleRequired, Message: "is required"}
		}
		return nil
	}
}

// PositiveAmount checks that value is a decimal number greater than zero
// and stores the parsed value in dst.
func PositiveAmount(field, value string, dst *decimal.Decimal) func() *txn.Violation {
	return func() *txn.Violation {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil // Use Required for required fields
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &txn.Violation{Field: field, Rule: RuleNumeric, Message: fmt.Sprintf("%q is not a number", value)}
		}
		*dst = d
		if !d.IsPositive() {
			return &txn.Violation{Field: field, Rule: RulePositive, Message: "must be greater than zero"}
		}
		return representable(field, d)
	}
}

// NonNegativeAmount is PositiveAmount for optional fields where zero is
// allowed.
func NonNegativeAmount(field, value string, dst *decimal.Decimal) func() *txn.Violation {
	return func() *txn.Violation {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &txn.Violation{Field: field, Rule: RuleNumeric, Message: fmt.Sprintf("%q is not a number", value)}
		}
		*dst = d
		if d.IsNegative() {
			return &txn.Violation{Field: field, Rule: RuleNonNegative, Message: "must not be negative"}
		}
		return representable(field, d)
	}
}

func representable(field string, d decimal.Decimal) *txn.Violation {
	if d.Abs().GreaterThanOrEqual(amountLimit) {
		return &txn.Violation{Field: field, Rule: RulePrecision, Message: "has more than 16 integer digits"}
	}
	if !d.Equal(d.Truncate(amountScale)) {
		return &txn.Violation{Field: field, Rule: RulePrecision, Message: "has more than 2 decimal places"}
	}
	return nil
}

// TimestampWindow checks that ts lies within [now-horizon, now+skew].
func TimestampWindow(field string, ts, now time.Time, skew, horizon time.Duration) func() *txn.Violation {
	return func() *txn.Violation {
		if ts.IsZero() {
			return nil
		}
		if ts.After(now.Add(skew)) {
			return &txn.Violation{Field: field, Rule: RuleFutureTime, Message: "is in the future"}
		}
		if ts.Before(now.Add(-horizon)) {
			return &txn.Violation{Field: field, Rule: RuleStaleTime, Message: "is older than the retention horizon"}
		}
		return nil
	}
}

// Account checks an account identifier against the configured pattern.
func Account(field, value string, pattern *regexp.Regexp) func() *txn.Violation {
	return func() *txn.Violation {
		if value == "" {
			return nil
		}
		if !pattern.MatchString(value) {
			return &txn.Violation{Field: field, Rule: RuleAccountFormat, Message: "is not a valid account identifier"}
		}
		return nil
	}
}

// OneOf checks that an optional field holds one of the allowed values.
func OneOf(field, value string, allowed []string, rule string) func() *txn.Violation {
	return func() *txn.Violation {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &txn.Violation{Field: field, Rule: rule, Message: fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", "))}
	}
}

// Currency checks for a three-letter upper-case currency code.
func Currency(field, value string) func() *txn.Violation {
	return func() *txn.Violation {
		if !currencyRegex.MatchString(value) {
			return &txn.Violation{Field: field, Rule: RuleCurrency, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AccountParamMiddleware rejects malformed :account URL parameters early.
func AccountParamMiddleware(pattern *regexp.Regexp) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		if account != "" && !pattern.MatchString(account) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must match " + pattern.String(),
			})
			return
		}
		c.Next()
	}
}
