package configtypes

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/segmentio/encoding/json"
)

// PEMData is a PEM source. Checked in order: raw PEM content, base64 encoded
// PEM content, path to a file with PEM content.
type PEMData string

func (p PEMData) String() string {
	return string(p)
}

func (p PEMData) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

func (p *PEMData) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*p = PEMData(str)
	return nil
}

func (p PEMData) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

func (p *PEMData) UnmarshalText(text []byte) error {
	*p = PEMData(text)
	return nil
}

func (p PEMData) MarshalYAML() (any, error) {
	return string(p), nil
}

// StringToPEMDataHookFunc decodes PEMData from config strings.
func StringToPEMDataHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(PEMData("")) {
			return data, nil
		}
		return PEMData(data.(string)), nil
	}
}

func isValidPEM(data string) bool {
	block, _ := pem.Decode([]byte(data))
	return block != nil
}

// Load resolves PEM content. The second return value describes the source.
func (p PEMData) Load(statFile StatFileFunc, readFile ReadFileFunc) ([]byte, string, error) {
	value := string(p)
	if isValidPEM(value) {
		return []byte(value), "raw pem", nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && isValidPEM(string(decoded)) {
		return decoded, "base64 pem", nil
	}
	if _, err := statFile(value); err != nil {
		return nil, "", errors.New("invalid PEM data: not a raw PEM, base64 PEM or path to existing file")
	}
	content, err := readFile(value)
	if err != nil {
		return nil, "", fmt.Errorf("error reading file: %w", err)
	}
	if !isValidPEM(string(content)) {
		return nil, "", fmt.Errorf("file %q contains invalid PEM data", value)
	}
	return content, "pem file path", nil
}
