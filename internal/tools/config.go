package tools

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// PathExists returns whether the given file or directory exists or not
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var jsonConfigTemplate = `{
  "apps": [
    {
      "id": "{{.AppID}}",
      "key": "{{.AppKey}}",
      "secret": "{{.AppSecret}}",
      "enable_client_messages": false
    }
  ],
  "websocket": {
    "allowed_origins": []
  }
}
`

var tomlConfigTemplate = `[[apps]]
  id = "{{.AppID}}"
  key = "{{.AppKey}}"
  secret = "{{.AppSecret}}"
  enable_client_messages = false

[websocket]
  allowed_origins = []
`

var yamlConfigTemplate = `apps:
  - id: "{{.AppID}}"
    key: "{{.AppKey}}"
    secret: "{{.AppSecret}}"
    enable_client_messages: false

websocket:
  allowed_origins: []
`

// GenerateConfig generates configuration file with one app with random credentials
// at provided path.
func GenerateConfig(f string) error {
	exists, err := PathExists(f)
	if err != nil {
		return err
	}
	if exists {
		return errors.New("output config file already exists: " + f)
	}
	ext := filepath.Ext(f)

	if len(ext) > 1 {
		ext = ext[1:]
	}

	supportedExtensions := []string{"json", "toml", "yaml", "yml"}

	var t *template.Template

	switch ext {
	case "json":
		t, err = template.New("config").Parse(jsonConfigTemplate)
	case "toml":
		t, err = template.New("config").Parse(tomlConfigTemplate)
	case "yaml", "yml":
		t, err = template.New("config").Parse(yamlConfigTemplate)
	default:
		return errors.New("output config file must have one of supported extensions: " + strings.Join(supportedExtensions, ", "))
	}
	if err != nil {
		return err
	}

	var output bytes.Buffer
	_ = t.Execute(&output, struct {
		AppID     string
		AppKey    string
		AppSecret string
	}{
		mustGenerateSecretKey(8),
		mustGenerateSecretKey(16),
		mustGenerateSecretKey(32),
	})

	return os.WriteFile(f, output.Bytes(), 0644)
}

func mustGenerateSecretKey(byteLen int) string {
	key := make([]byte, byteLen)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(key)
}
