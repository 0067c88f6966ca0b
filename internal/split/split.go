// Package split делит оплату между платформой и создателем в минимальных единицах валюты.
package split

import (
	"math"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
)

// basisPointsPerPercent процент хранится в сотых долях, чтобы 9.5% считалось без float
const basisPointsPerPercent = 100

// Split результат деления. PlatformFee + CreatorNet == Gross всегда.
type Split struct {
	Gross       int64 `json:"gross"`
	PlatformFee int64 `json:"platform_fee"`
	CreatorNet  int64 `json:"creator_net"`
}

// Calculate считает комиссию платформы с округлением half-up.
func Calculate(gross int64, feePercent float64) (Split, error) {
	if gross < 0 {
		return Split{}, domain.NewValidationError("amount_gross", "must be non-negative")
	}
	if math.IsNaN(feePercent) || feePercent < 0 || feePercent > 100 {
		return Split{}, domain.NewValidationError("fee_percent", "must be within [0, 100]")
	}

	bps := int64(math.Round(feePercent * basisPointsPerPercent))
	const denom = 100 * basisPointsPerPercent
	if gross > math.MaxInt64/denom {
		return Split{}, domain.NewValidationError("amount_gross", "too large")
	}

	fee := (gross*bps + denom/2) / denom
	return Split{
		Gross:       gross,
		PlatformFee: fee,
		CreatorNet:  gross - fee,
	}, nil
}
