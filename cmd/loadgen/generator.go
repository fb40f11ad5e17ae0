package main

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// GeneratorConfig bounds the generated payments.
type GeneratorConfig struct {
	MaxPayeeID       int64
	MaxBeneficiaryID int64
	MinAmount        float64
	MaxAmount        float64
}

// Generator produces random payments. It is not safe for concurrent use.
type Generator struct {
	cfg GeneratorConfig
	rnd *rand.Rand
}

// NewGenerator validates cfg and seeds a generator.
func NewGenerator(cfg GeneratorConfig, seed int64) (*Generator, error) {
	if cfg.MaxPayeeID <= 0 || cfg.MaxBeneficiaryID <= 0 {
		return nil, errors.New("payee and beneficiary ranges must be positive")
	}
	if cfg.MinAmount < 0 || cfg.MaxAmount < cfg.MinAmount {
		return nil, errors.New("amount range must satisfy 0 <= min <= max")
	}
	return &Generator{
		cfg: cfg,
		rnd: rand.New(rand.NewPCG(uint64(seed), uint64(seed>>1))),
	}, nil
}

// Next returns a payment stamped with now. Amounts are truncated to cents and
// the payment type follows the parity of the transaction id.
func (g *Generator) Next(now time.Time) domain.Transaction {
	id := g.rnd.Int64N(1<<62) + 1
	amount := g.cfg.MinAmount + g.rnd.Float64()*(g.cfg.MaxAmount-g.cfg.MinAmount)

	paymentType := domain.PaymentCard
	if id%2 == 1 {
		paymentType = domain.PaymentCash
	}

	return domain.Transaction{
		ID:            id,
		PayeeID:       g.rnd.Int64N(g.cfg.MaxPayeeID),
		BeneficiaryID: g.rnd.Int64N(g.cfg.MaxBeneficiaryID),
		Amount:        decimal.NewFromFloat(amount).Truncate(2),
		PaymentType:   paymentType,
		EventTime:     now,
	}
}
