package tasks

import (
	"time"

	"github.com/shaiso/konveyer/internal/registry"
)

// Имена встроенных типов задач.
const (
	TypeHTTPRequest = "http_request"
	TypeSleep       = "sleep"
	TypeTransform   = "transform"
)

// RegisterBuiltins регистрирует встроенные handler'ы в реестре.
//
// Политики подобраны под характер задач: http_request повторяется
// с backoff (внешние API моргают), sleep и transform детерминированы
// и повторов почти не требуют.
func RegisterBuiltins(r *registry.Registry) {
	r.Register(TypeHTTPRequest, NewHTTPRequest(), registry.Policy{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  time.Minute,
		TimeLimit:   2 * time.Minute,
	})

	r.Register(TypeSleep, NewSleep(), registry.Policy{
		MaxRetries: 1,
		TimeLimit:  time.Hour,
	})

	r.Register(TypeTransform, NewTransform(), registry.Policy{
		MaxRetries: 1,
		TimeLimit:  30 * time.Second,
	})
}

// --- Доступ к аргументам ---

// ArgString извлекает строковое значение из аргументов.
func ArgString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ArgInt извлекает числовое значение из аргументов.
// JSON-декодер отдаёт числа как float64, поэтому проверяются оба вида.
func ArgInt(args map[string]any, key string) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// ArgBool извлекает булево значение из аргументов.
func ArgBool(args map[string]any, key string, defaultVal bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// ArgMapString извлекает map[string]string из аргументов.
func ArgMapString(args map[string]any, key string) map[string]string {
	if v, ok := args[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string)
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}
