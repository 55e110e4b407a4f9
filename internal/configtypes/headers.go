package configtypes

import (
	"fmt"
	"os"
	"reflect"
	"regexp"

	"github.com/go-viper/mapstructure/v2"
	"github.com/segmentio/encoding/json"
)

// Headers is a set of HTTP headers attached to outgoing requests (webhooks). Values
// may reference environment variables as ${SOKETI_VAR_NAME}.
type Headers map[string]string

var envVarRefRegex = regexp.MustCompile(`\$\{(SOKETI_VAR_[^}]+)}`)

func expandEnvVars(m map[string]string) error {
	for key, val := range m {
		for _, match := range envVarRefRegex.FindAllStringSubmatch(val, -1) {
			if _, ok := os.LookupEnv(match[1]); !ok {
				return fmt.Errorf("environment variable %q not found", match[1])
			}
		}
		m[key] = envVarRefRegex.ReplaceAllStringFunc(val, func(ref string) string {
			return os.Getenv(envVarRefRegex.FindStringSubmatch(ref)[1])
		})
	}
	return nil
}

// Decode headers from JSON object string.
func (h *Headers) Decode(value string) error {
	var m map[string]string
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return err
	}
	if err := expandEnvVars(m); err != nil {
		return err
	}
	*h = m
	return nil
}

// StringToHeadersHookFunc decodes Headers from a JSON string (env), from an object
// or from a list of {key, value} objects.
func StringToHeadersHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(Headers{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var h Headers
			if err := h.Decode(v); err != nil {
				return nil, err
			}
			return h, nil
		case map[string]any:
			m := make(map[string]string, len(v))
			for key, value := range v {
				s, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("expected string value for header %q, got %T", key, value)
				}
				m[key] = s
			}
			if err := expandEnvVars(m); err != nil {
				return nil, err
			}
			return Headers(m), nil
		case []any:
			m := make(map[string]string, len(v))
			for i, item := range v {
				kv, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("expected object for element %d, got %T", i, item)
				}
				key, ok := kv["key"].(string)
				if !ok || key == "" {
					return nil, fmt.Errorf("missing or invalid key in element %d", i)
				}
				if _, exists := m[key]; exists {
					return nil, fmt.Errorf("duplicate key %q at element %d", key, i)
				}
				value, ok := kv["value"].(string)
				if !ok {
					return nil, fmt.Errorf("missing or invalid value in element %d", i)
				}
				m[key] = value
			}
			if err := expandEnvVars(m); err != nil {
				return nil, err
			}
			return Headers(m), nil
		case map[string]string:
			return Headers(v), nil
		default:
			return nil, fmt.Errorf("unsupported type %T for headers", data)
		}
	}
}
