// Package config contains broker Config and the code to load it.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/ruslanjabari/soketi/internal/configtypes"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-envparse"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SOKETI"

type Config struct {
	// HTTP is a configuration for HTTP server serving WebSocket connections and HTTP API.
	HTTP configtypes.HTTPServer `mapstructure:"http_server" json:"http_server" toml:"http_server" yaml:"http_server"`
	// Log is a configuration for logging.
	Log configtypes.Log `mapstructure:"log" json:"log" toml:"log" yaml:"log"`
	// Apps are tenants served by this broker. Each app has its own connections, channels
	// and presence, and its own key and secret.
	Apps []configtypes.App `mapstructure:"apps" default:"[]" json:"apps" toml:"apps" yaml:"apps"`
	// WebSocket is a configuration of Pusher protocol WebSocket endpoint.
	WebSocket configtypes.WebSocket `mapstructure:"websocket" json:"websocket" toml:"websocket" yaml:"websocket"`
	// HttpAPI is a configuration of Pusher compatible server HTTP API. It's enabled by default.
	HttpAPI configtypes.HttpAPI `mapstructure:"http_api" json:"http_api" toml:"http_api" yaml:"http_api"`
	// Cluster configures how nodes exchange events and presence. By default, memory adapter is
	// used which does not talk to other nodes.
	Cluster configtypes.Cluster `mapstructure:"cluster" json:"cluster" toml:"cluster" yaml:"cluster"`
	// Webhooks configures delivery of app webhooks.
	Webhooks configtypes.Webhooks `mapstructure:"webhooks" json:"webhooks" toml:"webhooks" yaml:"webhooks"`
	// Consumers is a configuration for message queue consumers. Every consumed message is an
	// event to trigger, same as HTTP API events call.
	Consumers []configtypes.Consumer `mapstructure:"consumers" default:"[]" json:"consumers" toml:"consumers" yaml:"consumers"`

	// Prometheus metrics configuration.
	Prometheus configtypes.Prometheus `mapstructure:"prometheus" json:"prometheus" toml:"prometheus" yaml:"prometheus"`
	// Graphite is a configuration for export metrics to Graphite.
	Graphite configtypes.Graphite `mapstructure:"graphite" json:"graphite" toml:"graphite" yaml:"graphite"`
	// Health check endpoint configuration.
	Health configtypes.Health `mapstructure:"health" json:"health" toml:"health" yaml:"health"`
	// Debug helps to enable Go profiling endpoints.
	Debug configtypes.Debug `mapstructure:"debug" json:"debug" toml:"debug" yaml:"debug"`
	// OpenTelemetry is a configuration for OpenTelemetry tracing.
	OpenTelemetry configtypes.OpenTelemetry `mapstructure:"opentelemetry" json:"opentelemetry" toml:"opentelemetry" yaml:"opentelemetry"`
	// Shutdown is a configuration for graceful shutdown.
	Shutdown configtypes.Shutdown `mapstructure:"shutdown" json:"shutdown" toml:"shutdown" yaml:"shutdown"`

	// PidFile is a path to write a file with process PID.
	PidFile string `mapstructure:"pid_file" json:"pid_file" toml:"pid_file" yaml:"pid_file"`
}

type Meta struct {
	FileNotFound bool
	UnknownKeys  []string
	UnknownEnvs  []string
	// KnownEnvVars maps environment variable name to config key.
	KnownEnvVars map[string]string
}

func DefineFlags(rootCmd *cobra.Command) {
	rootCmd.Flags().StringP("pid_file", "", "", "optional path to create PID file")
	rootCmd.Flags().StringP("http_server.address", "a", "", "interface address to listen on")
	rootCmd.Flags().StringP("http_server.port", "p", "6001", "port to bind HTTP server to")
	rootCmd.Flags().StringP("http_server.internal_address", "", "", "custom interface address to listen on for internal endpoints")
	rootCmd.Flags().StringP("http_server.internal_port", "", "", "custom port for internal endpoints")
	rootCmd.Flags().StringP("cluster.type", "", "memory", "cluster adapter to use: memory, nats or redis")
	rootCmd.Flags().StringP("log.level", "", "info", "set the log level: trace, debug, info, error, fatal or none")
	rootCmd.Flags().StringP("log.file", "", "", "optional log file - if not specified logs go to STDOUT")
	rootCmd.Flags().BoolP("debug.enabled", "", false, "enable debug endpoints")
	rootCmd.Flags().BoolP("prometheus.enabled", "", false, "enable Prometheus metrics endpoint")
	rootCmd.Flags().BoolP("health.enabled", "", false, "enable health check endpoint")
	rootCmd.Flags().BoolP("http_api.disabled", "", false, "disable server HTTP API")
}

var bindPFlags = []string{
	"pid_file", "http_server.port", "http_server.address", "http_server.internal_port",
	"http_server.internal_address", "cluster.type", "log.level", "log.file", "debug.enabled",
	"prometheus.enabled", "health.enabled", "http_api.disabled",
}

func GetConfig(cmd *cobra.Command, configFile string) (Config, Meta, error) {
	v := viper.NewWithOptions(viper.WithDecodeHook(mapstructure.ComposeDecodeHookFunc(
		defaultsHookFunc(),
		jsonStringToSliceHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
		configtypes.StringToDurationHookFunc(),
		configtypes.StringToPEMDataHookFunc(),
		configtypes.StringToHeadersHookFunc(),
	)))

	knownEnvVars := map[string]string{}
	setDefaults(v, reflect.TypeOf(Config{}), "", knownEnvVars)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for _, flag := range bindPFlags {
			if f := cmd.Flags().Lookup(flag); f != nil {
				_ = v.BindPFlag(flag, f)
			}
		}
	}

	meta := Meta{}

	if configFile != "" {
		v.SetConfigFile(configFile)
		err := v.ReadInConfig()
		if err != nil {
			var configFileNotFoundError *os.PathError
			if errors.As(err, &configFileNotFoundError) {
				meta.FileNotFound = true
			} else {
				return Config{}, Meta{}, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	conf := &Config{}

	err := v.Unmarshal(conf)
	if err != nil {
		return Config{}, Meta{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	meta.UnknownKeys = findUnknownKeys(v.AllSettings(), conf, "")
	meta.UnknownEnvs = checkEnvironmentVars(knownEnvVars)
	meta.KnownEnvVars = knownEnvVars

	return *conf, meta, nil
}

// setDefaults registers every leaf key of config struct in viper. This gives a value
// from default tag (or zero value) to each key and makes AutomaticEnv aware of it.
func setDefaults(v *viper.Viper, typ reflect.Type, prefix string, knownEnvVars map[string]string) {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		if field.Anonymous && strings.Contains(tag, "squash") {
			setDefaults(v, field.Type, prefix, knownEnvVars)
			continue
		}
		key := appendKeyPath(prefix, tag)
		if isNestedStruct(field.Type) {
			setDefaults(v, field.Type, key, knownEnvVars)
			continue
		}
		knownEnvVars[envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
		if defaultValue, ok := field.Tag.Lookup("default"); ok {
			if field.Type.Kind() == reflect.Slice && defaultValue == "[]" {
				v.SetDefault(key, []any{})
				continue
			}
			v.SetDefault(key, defaultValue)
			continue
		}
		v.SetDefault(key, reflect.Zero(field.Type).Interface())
	}
}

func isNestedStruct(t reflect.Type) bool {
	return t.Kind() == reflect.Struct
}

// defaultsHookFunc fills default tag values for keys missing in maps decoded into
// structs. Top level keys already have defaults registered in viper, this is needed
// for structs inside slices (apps, consumers).
func defaultsHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.Map || t.Kind() != reflect.Struct {
			return data, nil
		}
		m, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		result := make(map[string]any, len(m))
		for k, val := range m {
			result[k] = val
		}
		fillDefaults(result, t)
		return result, nil
	}
}

func fillDefaults(m map[string]any, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if field.Anonymous && strings.Contains(tag, "squash") {
			fillDefaults(m, field.Type)
			continue
		}
		defaultValue, ok := field.Tag.Lookup("default")
		if !ok || tag == "" {
			continue
		}
		if _, exists := m[tag]; exists {
			continue
		}
		if field.Type.Kind() == reflect.Slice && defaultValue == "[]" {
			m[tag] = []any{}
			continue
		}
		m[tag] = defaultValue
	}
}

// jsonStringToSliceHookFunc allows setting slices of objects from environment as JSON,
// ex. SOKETI_APPS='[{"id": "1", "key": "key", "secret": "secret"}]'.
func jsonStringToSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
			return data, nil
		}
		str := strings.TrimSpace(data.(string))
		if !strings.HasPrefix(str, "[") {
			return data, nil
		}
		var items []any
		if err := json.Unmarshal([]byte(str), &items); err != nil {
			return nil, fmt.Errorf("error parsing items from JSON: %w", err)
		}
		return items, nil
	}
}

// findValidKeys recursively finds valid keys in a struct, including embedded structs.
func findValidKeys(typ reflect.Type, validKeys map[string]reflect.StructField) {
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag != "" && tag != ",squash" {
			validKeys[tag] = field
		} else if field.Anonymous && strings.Contains(tag, "squash") {
			embeddedType := field.Type
			if embeddedType.Kind() == reflect.Ptr {
				embeddedType = embeddedType.Elem()
			}
			if embeddedType.Kind() == reflect.Struct {
				findValidKeys(embeddedType, validKeys)
			}
		}
	}
}

func findUnknownKeys(data map[string]any, configStruct any, parentKey string) []string {
	var unknownKeys []string

	typ := reflect.TypeOf(configStruct)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	validKeys := make(map[string]reflect.StructField)
	findValidKeys(typ, validKeys)

	for key, value := range data {
		field, exists := validKeys[key]
		if !exists {
			unknownKeys = append(unknownKeys, appendKeyPath(parentKey, key))
			continue
		}
		fieldType := field.Type
		if fieldType.Kind() == reflect.Ptr {
			fieldType = fieldType.Elem()
		}
		switch fieldType.Kind() {
		case reflect.Struct:
			if nestedMap, ok := value.(map[string]any); ok {
				nested := reflect.New(fieldType).Interface()
				unknownKeys = append(unknownKeys, findUnknownKeys(nestedMap, nested, appendKeyPath(parentKey, key))...)
			}
		case reflect.Slice:
			elementType := fieldType.Elem()
			if elementType.Kind() == reflect.Ptr {
				elementType = elementType.Elem()
			}
			if elementType.Kind() != reflect.Struct {
				continue
			}
			slice, ok := value.([]any)
			if !ok {
				continue
			}
			for i, elem := range slice {
				if elemMap, ok := elem.(map[string]any); ok {
					nested := reflect.New(elementType).Interface()
					unknownKeys = append(unknownKeys, findUnknownKeys(elemMap, nested, appendKeyPath(appendKeyPath(parentKey, key), fmt.Sprintf("[%d]", i)))...)
				}
			}
		default:
		}
	}

	return unknownKeys
}

func appendKeyPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func checkEnvironmentVars(knownEnvVars map[string]string) []string {
	var unknownEnvs []string
	for _, envVar := range os.Environ() {
		kv, err := envparse.Parse(strings.NewReader(envVar))
		if err != nil {
			continue
		}
		for envKey := range kv {
			if !strings.HasPrefix(envKey, envPrefix+"_") {
				continue
			}
			// Kubernetes automatically adds service variables which are not used by broker
			// itself. Skip warnings about them.
			if isKubernetesEnvVar(envKey) {
				continue
			}
			// Values referenced from webhook headers.
			if strings.HasPrefix(envKey, envPrefix+"_VAR_") {
				continue
			}
			if _, ok := knownEnvVars[envKey]; !ok {
				unknownEnvs = append(unknownEnvs, envKey)
			}
		}
	}
	return unknownEnvs
}

var k8sEnvRegex = regexp.MustCompile(`^SOKETI(?:_[A-Z]+)?_(PORT|SERVICE_)`)

func isKubernetesEnvVar(envKey string) bool {
	return k8sEnvRegex.MatchString(envKey)
}

// DefaultConfig is a helper to be used in tests.
func DefaultConfig() Config {
	conf, _, err := GetConfig(nil, "")
	if err != nil {
		panic("error during getting default config: " + err.Error())
	}
	return conf
}
