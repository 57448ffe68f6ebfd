package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dish описывает одну позицию в заказе пользователя.
type Dish struct {
	// Cost — цена одной порции.
	Cost decimal.Decimal
	// Count — количество порций.
	Count int64
}

// Order — заказ пользователя на один день.
type Order struct {
	// Info — блюда заказа, ключ — название блюда.
	Info map[string]Dish
	// Price вычисляется при записи и не пересчитывается при чтении.
	Price decimal.Decimal
	// Date проставляется только при выдаче заказа наружу и не хранится.
	Date time.Time
}

// DayOrders — запись одного календарного дня со всеми заказами.
type DayOrders struct {
	ID        string
	Date      time.Time
	Orders    map[string]Order
	IsBlocked bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total — агрегат заказов дня: сумма и количество порций по блюдам.
type Total struct {
	Price  decimal.Decimal
	Dishes map[string]int64
}

// CalculatePrice считает сумму cost * count по всем блюдам.
func (o Order) CalculatePrice() decimal.Decimal {
	price := decimal.Zero
	for _, dish := range o.Info {
		price = price.Add(dish.Cost.Mul(decimal.NewFromInt(dish.Count)))
	}
	return price
}

// ValidateInvariants проверяет заказ и возвращает список замечаний.
func (o Order) ValidateInvariants() []error {
	var errs []error

	if len(o.Info) == 0 {
		errs = append(errs, ErrOrderInfoRequired)
	}
	for name, dish := range o.Info {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ErrDishNameRequired)
		} else if !isFieldKey(name) {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrDishNameInvalid))
		}
		if dish.Cost.IsNegative() {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrDishCostNegative))
		}
		if dish.Count <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrDishCountInvalid))
		}
	}

	return errs
}

// Validate сворачивает замечания ValidateInvariants в одну ошибку ErrInvalidOrder.
func (o Order) Validate() error {
	errs := o.ValidateInvariants()
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidOrder, errors.Join(errs...))
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	info := make(map[string]Dish, len(o.Info))
	for name, dish := range o.Info {
		info[name] = dish
	}
	o.Info = info
	return o
}

// Clone возвращает копию записи дня, не разделяющую карты с оригиналом.
func (d DayOrders) Clone() DayOrders {
	orders := make(map[string]Order, len(d.Orders))
	for username, order := range d.Orders {
		orders[username] = order.Clone()
	}
	d.Orders = orders
	return d
}

// SumTotal агрегирует заказы дня.
// Цена берётся из сохранённого Price каждого заказа, а не пересчитывается.
func SumTotal(orders map[string]Order) Total {
	total := Total{
		Price:  decimal.Zero,
		Dishes: make(map[string]int64),
	}
	for _, order := range orders {
		for name, dish := range order.Info {
			total.Dishes[name] += dish.Count
		}
		total.Price = total.Price.Add(order.Price)
	}
	return total
}

// ValidateUsername проверяет имя пользователя.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrUsernameRequired
	}
	if !isFieldKey(username) {
		return ErrUsernameInvalid
	}
	return nil
}

// isFieldKey сообщает, может ли s быть ключом вложенного поля документа
// (orders.<user>.info.<dish>): без '.' и без ведущего '$'.
func isFieldKey(s string) bool {
	return !strings.Contains(s, ".") && !strings.HasPrefix(s, "$")
}
