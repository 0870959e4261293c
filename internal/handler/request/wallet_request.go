package request

import "github.com/shopspring/decimal"

type DepositAddressRequest struct {
	Coin    string `json:"coin" binding:"required,max=20"`
	Network string `json:"network" binding:"max=20"`
}

type WithdrawRequest struct {
	Asset      string          `json:"asset" binding:"required,max=20"`
	Amount     decimal.Decimal `json:"amount" binding:"dpositive" swaggertype:"string" example:"0.5"`
	Address    string          `json:"address" binding:"required,max=128"`
	Network    string          `json:"network" binding:"required,max=20"`
	AddressTag string          `json:"address_tag" binding:"max=64"`
}
