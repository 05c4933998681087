// Package validation содержит проверки входных данных API.
package validation

import (
	"math"
	"strings"
)

// IsValidEmail выполняет минимальную структурную проверку адреса почты.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.Count(email, "@") != 1 {
		return false
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}

	return true
}

// DollarsToCents переводит сумму в долларах в целые центы.
// На границе API суммы приходят в целых денежных единицах, внутри системы
// деньги всегда хранятся в минорных единицах.
func DollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// CentsToDollars переводит центы обратно в доллары для ответа API.
func CentsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// IsPositiveAmount сообщает, является ли сумма в центах допустимой для
// денежной операции.
func IsPositiveAmount(cents int64) bool {
	return cents > 0
}
