package httpapi

import (
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

var errBadRequest = errors.New("bad request")

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrUsernameRequired),
		errors.Is(err, domain.ErrUsernameInvalid),
		errors.Is(err, domain.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeWindow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDayOrdersBlocked),
		errors.Is(err, domain.ErrDayOrdersAlreadyBlocked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoOrders),
		errors.Is(err, domain.ErrNoUserOrder):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if errors.Is(err, errBadRequest) {
		return "bad_request"
	}
	return domain.ErrorCode(err)
}
