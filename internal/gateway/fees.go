package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

// feeRates holds the gateway's per-method rate as advertised for PH
// merchants. Manual transactions never touch the gateway and carry no fee.
var feeRates = map[domain.PaymentMethod]decimal.Decimal{
	domain.MethodCard:  decimal.NewFromFloat(0.035),
	domain.MethodGCash: decimal.NewFromFloat(0.025),
	domain.MethodMaya:  decimal.NewFromFloat(0.025),
	domain.MethodBank:  decimal.NewFromFloat(0.01),
}

// Fee returns the gateway fee in minor units for a settled payment,
// rounded half-up the way the gateway bills.
func Fee(amount int64, method domain.PaymentMethod) int64 {
	rate, ok := feeRates[method]
	if !ok {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
