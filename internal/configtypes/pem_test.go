package configtypes

import (
	"encoding/base64"
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPEMData_Load(t *testing.T) {
	statFile := func(name string) (os.FileInfo, error) {
		if name != "cert.pem" {
			return nil, os.ErrNotExist
		}
		return nil, nil
	}
	readFile := func(name string) ([]byte, error) {
		if name != "cert.pem" {
			return nil, os.ErrNotExist
		}
		return []byte(validPEM), nil
	}

	tests := []struct {
		name   string
		data   PEMData
		source string
	}{
		{"file", PEMData("cert.pem"), "pem file path"},
		{"base64", PEMData(base64.StdEncoding.EncodeToString([]byte(validPEM))), "base64 pem"},
		{"raw", PEMData(validPEM), "raw pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, source, err := tt.data.Load(statFile, readFile)
			require.NoError(t, err)
			require.Equal(t, validPEM, string(data))
			require.Equal(t, tt.source, source)
		})
	}
}

func TestPEMData_LoadInvalid(t *testing.T) {
	_, _, err := PEMData("not a pem").Load(statMissing, readFails)
	require.ErrorContains(t, err, "invalid PEM data")

	readGarbage := func(string) ([]byte, error) { return []byte("garbage"), nil }
	_, _, err = PEMData("cert.pem").Load(statFound, readGarbage)
	require.ErrorContains(t, err, "contains invalid PEM data")
}

func TestStringToPEMDataHookFunc(t *testing.T) {
	hook := StringToPEMDataHookFunc().(func(reflect.Type, reflect.Type, any) (any, error))
	result, err := hook(reflect.TypeOf(""), reflect.TypeOf(PEMData("")), "data")
	require.NoError(t, err)
	require.Equal(t, PEMData("data"), result)
}
