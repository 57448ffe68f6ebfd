package domain

import "errors"

var (
	// ErrTimeWindow — дата вне окна редактирования или заказы сегодня отключены (воскресенье).
	ErrTimeWindow = errors.New("date is outside the editable window")
	// ErrDayOrdersBlocked — попытка изменить заказы заблокированного дня.
	ErrDayOrdersBlocked = errors.New("day orders are blocked")
	// ErrDayOrdersAlreadyBlocked — повторная блокировка уже заблокированного дня.
	ErrDayOrdersAlreadyBlocked = errors.New("day orders are already blocked")
	// ErrNoOrders возвращается, если для дня нет записи.
	ErrNoOrders = errors.New("no orders for the day")
	// ErrNoUserOrder возвращается, если запись дня есть, но у пользователя нет заказа.
	ErrNoUserOrder = errors.New("user has no order for the day")
	// Ошибка отсутствующего имени пользователя.
	ErrUsernameRequired = errors.New("username is required")
	// Имя пользователя не может содержать '.' и начинаться с '$'.
	ErrUsernameInvalid = errors.New("username contains forbidden characters")
	// ErrInvalidOrder оборачивает все ошибки валидации заказа.
	ErrInvalidOrder = errors.New("invalid order")
	// Ошибка пустого списка блюд.
	ErrOrderInfoRequired = errors.New("order must contain at least one dish")
	// Ошибка пустого названия блюда.
	ErrDishNameRequired = errors.New("dish name is required")
	// Название блюда, как и имя пользователя, не может содержать '.' и начинаться с '$'.
	ErrDishNameInvalid = errors.New("dish name contains forbidden characters")
	// Ошибка отрицательной стоимости блюда.
	ErrDishCostNegative = errors.New("dish cost must be non-negative")
	// Ошибка при некорректном количестве порций (<= 0).
	ErrDishCountInvalid = errors.New("dish count must be greater than zero")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ErrorCode возвращает короткий машинный код ошибки для API и меток метрик.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeWindow):
		return "time_window"
	case errors.Is(err, ErrDayOrdersAlreadyBlocked):
		return "already_blocked"
	case errors.Is(err, ErrDayOrdersBlocked):
		return "blocked"
	case errors.Is(err, ErrNoUserOrder):
		return "no_user_order"
	case errors.Is(err, ErrNoOrders):
		return "no_orders"
	case errors.Is(err, ErrUsernameRequired), errors.Is(err, ErrUsernameInvalid):
		return "invalid_username"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	default:
		return "internal"
	}
}
