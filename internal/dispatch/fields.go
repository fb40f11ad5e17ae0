package dispatch

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrMissingField is returned when a rule names a field the transaction does not carry.
var ErrMissingField = errors.New("missing field")

// CountField is the aggregate field that contributes 1 per event.
const CountField = "COUNT"

type field struct {
	text    func(domain.Transaction) string
	numeric func(domain.Transaction) decimal.Decimal
}

func intField(get func(domain.Transaction) int64) field {
	return field{
		text:    func(tx domain.Transaction) string { return strconv.FormatInt(get(tx), 10) },
		numeric: func(tx domain.Transaction) decimal.Decimal { return decimal.NewFromInt(get(tx)) },
	}
}

var (
	idField     = intField(func(tx domain.Transaction) int64 { return tx.ID })
	amountField = field{
		text:    func(tx domain.Transaction) string { return tx.Amount.String() },
		numeric: func(tx domain.Transaction) decimal.Decimal { return tx.Amount },
	}
)

var fields = map[string]field{
	"transactionId": idField,
	"id":            idField,
	"payeeId":       intField(func(tx domain.Transaction) int64 { return tx.PayeeID }),
	"beneficiaryId": intField(func(tx domain.Transaction) int64 { return tx.BeneficiaryID }),
	"paymentAmount": amountField,
	"amount":        amountField,
	"paymentType": {
		text: func(tx domain.Transaction) string { return string(tx.PaymentType) },
	},
	"eventTime": intField(func(tx domain.Transaction) int64 { return tx.EventTime.UnixMilli() }),
}

// KnownField reports whether name can be used as a grouping key.
func KnownField(name string) bool {
	_, ok := fields[name]
	return ok
}

// KnownNumericField reports whether name can be aggregated.
func KnownNumericField(name string) bool {
	if name == CountField {
		return true
	}
	f, ok := fields[name]
	return ok && f.numeric != nil
}

// FieldValue renders a transaction field as it appears in a grouping key.
func FieldValue(tx domain.Transaction, name string) (string, error) {
	f, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingField, name)
	}
	return f.text(tx), nil
}

// NumericField returns the value a transaction contributes to an aggregate.
func NumericField(tx domain.Transaction, name string) (decimal.Decimal, error) {
	if name == CountField {
		return decimal.NewFromInt(1), nil
	}
	f, ok := fields[name]
	if !ok || f.numeric == nil {
		return decimal.Zero, fmt.Errorf("%w: numeric %q", ErrMissingField, name)
	}
	return f.numeric(tx), nil
}
