package domain

import (
	"fmt"
	"strings"
)

// Gateway идентификатор платежного провайдера. Набор закрыт.
type Gateway string

const (
	GatewayAsaas       Gateway = "asaas"
	GatewayStripe      Gateway = "stripe"
	GatewayMercadoPago Gateway = "mercadopago"
)

// Gateways возвращает все поддерживаемые шлюзы
func Gateways() []Gateway {
	return []Gateway{GatewayAsaas, GatewayStripe, GatewayMercadoPago}
}

// Valid проверяет, что шлюз входит в поддерживаемый набор
func (g Gateway) Valid() bool {
	switch g {
	case GatewayAsaas, GatewayStripe, GatewayMercadoPago:
		return true
	}
	return false
}

// ParseGateway разбирает имя шлюза из конфигурации или URL
func ParseGateway(s string) (Gateway, error) {
	g := Gateway(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", NewValidationError("gateway", fmt.Sprintf("unsupported gateway %q", s))
	}
	return g, nil
}

// PaymentMethod способ оплаты, выбранный покупателем
type PaymentMethod string

const (
	PaymentMethodPix        PaymentMethod = "pix"
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodBoleto     PaymentMethod = "boleto"
	PaymentMethodUndefined  PaymentMethod = "undefined"
)

// GatewayInfo описание шлюза для публичного списка
type GatewayInfo struct {
	ID      Gateway         `json:"id"`
	Name    string          `json:"name"`
	Methods []PaymentMethod `json:"methods"`
}

// SupportedGateways список шлюзов и методов оплаты
func SupportedGateways() []GatewayInfo {
	return []GatewayInfo{
		{ID: GatewayAsaas, Name: "Asaas", Methods: []PaymentMethod{PaymentMethodPix, PaymentMethodBoleto, PaymentMethodCreditCard}},
		{ID: GatewayMercadoPago, Name: "Mercado Pago", Methods: []PaymentMethod{PaymentMethodPix, PaymentMethodCreditCard}},
		{ID: GatewayStripe, Name: "Stripe", Methods: []PaymentMethod{PaymentMethodCreditCard}},
	}
}
