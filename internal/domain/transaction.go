package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// PaymentType is the payment instrument of a transaction.
type PaymentType string

const (
	PaymentCard PaymentType = "CARD"
	PaymentCash PaymentType = "CASH"
)

// ParsePaymentType accepts CARD/CASH and the short CRD/CSH codes.
func ParsePaymentType(s string) (PaymentType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CARD", "CRD":
		return PaymentCard, nil
	case "CASH", "CSH":
		return PaymentCash, nil
	default:
		return "", fmt.Errorf("unknown payment type %q", s)
	}
}

// Transaction is an incoming payment event. It is produced upstream and read-only here.
type Transaction struct {
	ID            int64
	PayeeID       int64
	BeneficiaryID int64
	Amount        decimal.Decimal
	PaymentType   PaymentType
	EventTime     time.Time
}

// transactionWire is the JSON shape of a transaction record.
// eventTime travels as epoch milliseconds.
type transactionWire struct {
	TransactionID int64           `json:"transactionId"`
	PayeeID       int64           `json:"payeeId"`
	BeneficiaryID int64           `json:"beneficiaryId"`
	PaymentAmount decimal.Decimal `json:"paymentAmount"`
	PaymentType   string          `json:"paymentType"`
	EventTime     int64           `json:"eventTime"`
}

// MarshalJSON encodes the transaction in its wire format.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionWire{
		TransactionID: t.ID,
		PayeeID:       t.PayeeID,
		BeneficiaryID: t.BeneficiaryID,
		PaymentAmount: t.Amount,
		PaymentType:   string(t.PaymentType),
		EventTime:     t.EventTime.UnixMilli(),
	})
}

// UnmarshalJSON decodes a wire transaction.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Transaction{
		ID:            w.TransactionID,
		PayeeID:       w.PayeeID,
		BeneficiaryID: w.BeneficiaryID,
		Amount:        w.PaymentAmount,
		EventTime:     time.UnixMilli(w.EventTime).UTC(),
	}
	if w.PaymentType != "" {
		pt, err := ParsePaymentType(w.PaymentType)
		if err != nil {
			return err
		}
		out.PaymentType = pt
	}

	*t = out
	return nil
}
