package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
)

// Transform — задача трансформации данных через Go templates.
//
// Аргументы:
//
//	{
//	    "input": {...},  // данные (в chain сюда попадает результат предыдущего звена)
//	    "mappings": {
//	        "total": "{{ len .Input.items }}",
//	        "first": "{{ index .Input.items 0 }}"
//	    }
//	}
//
// Результат — отрендеренные mappings; значения, похожие на JSON,
// парсятся обратно в типизированный вид.
type Transform struct{}

// NewTransform создаёт handler трансформации.
func NewTransform() *Transform {
	return &Transform{}
}

// templateContext — данные, доступные шаблонам.
type templateContext struct {
	// Input — входные данные ("input" из аргументов).
	Input any

	// Args — все аргументы задачи.
	Args map[string]any
}

// Execute выполняет трансформацию.
func (t *Transform) Execute(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mappings := t.parseMappings(inv.Args)
	if len(mappings) == 0 {
		return map[string]any{}, nil
	}

	tmplCtx := &templateContext{
		Input: inv.Args["input"],
		Args:  inv.Args,
	}

	outputs := make(map[string]any, len(mappings))
	for key, tmpl := range mappings {
		rendered, err := t.render(tmpl, tmplCtx)
		if err != nil {
			return nil, domain.Permanentf("transform %s: %v", key, err)
		}
		outputs[key] = t.parseValue(rendered)
	}
	return outputs, nil
}

func (t *Transform) render(tmpl string, data *templateContext) (string, error) {
	parsed, err := template.New("mapping").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := parsed.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (t *Transform) parseMappings(args map[string]any) map[string]string {
	raw := args["mappings"]
	if raw == nil {
		return nil
	}

	switch m := raw.(type) {
	case map[string]string:
		return m

	case map[string]any:
		result := make(map[string]string, len(m))
		for key, val := range m {
			if str, ok := val.(string); ok {
				result[key] = str
			}
		}
		return result

	default:
		return nil
	}
}

// parseValue пытается распарсить строку как JSON.
// Если не получается — возвращает строку как есть.
func (t *Transform) parseValue(value string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		return obj
	}

	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr
	}

	var num json.Number
	if err := json.Unmarshal([]byte(value), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	return value
}
