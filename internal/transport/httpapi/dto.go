package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

type dishRequest struct {
	Cost  decimal.Decimal `json:"cost"`
	Count int64           `json:"count"`
}

type uploadOrderRequest struct {
	Info map[string]dishRequest `json:"info"`
}

func (r uploadOrderRequest) toDomain() domain.Order {
	info := make(map[string]domain.Dish, len(r.Info))
	for name, dish := range r.Info {
		info[name] = domain.Dish{Cost: dish.Cost, Count: dish.Count}
	}
	return domain.Order{Info: info}
}

type dishResponse struct {
	Cost  json.Number `json:"cost"`
	Count int64       `json:"count"`
}

type orderResponse struct {
	Date  string                  `json:"date,omitempty"`
	Info  map[string]dishResponse `json:"info"`
	Price json.Number             `json:"price"`
}

type dayOrdersResponse struct {
	Date   string                   `json:"date"`
	Orders map[string]orderResponse `json:"orders"`
}

type priceResponse struct {
	Date     string      `json:"date"`
	Username string      `json:"username"`
	Price    json.Number `json:"price"`
}

type totalResponse struct {
	Date   string           `json:"date"`
	Price  json.Number      `json:"price"`
	Dishes map[string]int64 `json:"dishes"`
}

type blockedResponse struct {
	Date    string `json:"date"`
	Blocked bool   `json:"blocked"`
}

type weekResponse struct {
	Username string          `json:"username"`
	Orders   []orderResponse `json:"orders"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// number выводит decimal как JSON-число без потери точности.
func number(value decimal.Decimal) json.Number {
	return json.Number(value.String())
}

func newOrderResponse(order domain.Order, dayKey string) orderResponse {
	info := make(map[string]dishResponse, len(order.Info))
	for name, dish := range order.Info {
		info[name] = dishResponse{Cost: number(dish.Cost), Count: dish.Count}
	}
	return orderResponse{Date: dayKey, Info: info, Price: number(order.Price)}
}

func newDayOrdersResponse(dayKey string, orders map[string]domain.Order) dayOrdersResponse {
	resp := dayOrdersResponse{Date: dayKey, Orders: make(map[string]orderResponse, len(orders))}
	for username, order := range orders {
		resp.Orders[username] = newOrderResponse(order, "")
	}
	return resp
}

func newTotalResponse(dayKey string, total domain.Total) totalResponse {
	dishes := total.Dishes
	if dishes == nil {
		dishes = map[string]int64{}
	}
	return totalResponse{Date: dayKey, Price: number(total.Price), Dishes: dishes}
}

func badDate(value string, err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, fmt.Errorf("date %q: %w", value, err))
}
