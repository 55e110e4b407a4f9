package configtypes

import (
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/segmentio/encoding/json"
)

// Duration is time.Duration which is written to config formats as a
// human-readable string like "30s".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ToDuration converts to time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// StringToDurationHookFunc decodes Duration from strings like "5s".
func StringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(Duration(0)) {
			return data, nil
		}
		parsed, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, err
		}
		return Duration(parsed), nil
	}
}
