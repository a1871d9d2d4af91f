// Package tariff содержит фиксированную таблицу тарифных планов.
//
// Планы ищутся по ключу. Бизнес-логика не ветвится по имени плана, поэтому
// новый тариф добавляется одной строкой в таблицу.
package tariff

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Unlimited значение DailyLimit для безлимитных планов.
const Unlimited = -1

var ErrUnknownPlan = errors.New("unknown tariff plan")

// Key стабильный идентификатор плана, хранится в БД и в callback-данных кнопок.
type Key string

const (
	Romantic Key = "ROMANTIC"
	Alpha    Key = "ALPHA"
	Lovelace Key = "LOVELACE"
)

// Plan тарифный план.
type Plan struct {
	Key             Key
	Title           string
	DailyLimit      int
	PriceMinorUnits int64
	Currency        string
	// Order задаёт порядок показа в клавиатуре.
	Order int
}

// Unbounded true для планов без дневного лимита.
func (p Plan) Unbounded() bool {
	return p.DailyLimit == Unlimited
}

// Allows сообщает, можно ли сделать ещё один запрос при used уже израсходованных.
func (p Plan) Allows(used int64) bool {
	return AllowsLimit(p.DailyLimit, used)
}

// AllowsLimit то же для снимка лимита из подписки.
func AllowsLimit(limit int, used int64) bool {
	if limit == Unlimited {
		return true
	}
	return used < int64(limit)
}

// PriceString форматирует цену для платёжного шлюза: "990.00".
func (p Plan) PriceString() string {
	return fmt.Sprintf("%d.%02d", p.PriceMinorUnits/100, p.PriceMinorUnits%100)
}

var plans = map[Key]Plan{
	Romantic: {Key: Romantic, Title: "Романтик", DailyLimit: 50, PriceMinorUnits: 990_00, Currency: "RUB", Order: 1},
	Alpha:    {Key: Alpha, Title: "Альфач", DailyLimit: 150, PriceMinorUnits: 1990_00, Currency: "RUB", Order: 2},
	Lovelace: {Key: Lovelace, Title: "Ловелас", DailyLimit: Unlimited, PriceMinorUnits: 4990_00, Currency: "RUB", Order: 3},
}

// Lookup ищет план по ключу без учёта регистра.
func Lookup(key string) (Plan, error) {
	p, ok := plans[Key(strings.ToUpper(strings.TrimSpace(key)))]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, key)
	}
	return p, nil
}

// MustLookup для ключей, прочитанных из собственной БД.
func MustLookup(key Key) Plan {
	p, err := Lookup(string(key))
	if err != nil {
		panic(err)
	}
	return p
}

// All возвращает планы в порядке показа.
func All() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
