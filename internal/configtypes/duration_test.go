package configtypes

import (
	"reflect"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, `"1.5s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m"`), &d))
	require.Equal(t, 2*time.Minute, d.ToDuration())
	require.Error(t, json.Unmarshal([]byte(`"forever"`), &d))
}

func TestStringToDurationHookFunc(t *testing.T) {
	hook := StringToDurationHookFunc().(func(reflect.Type, reflect.Type, any) (any, error))

	res, err := hook(reflect.TypeOf(""), reflect.TypeOf(Duration(0)), "30s")
	require.NoError(t, err)
	require.Equal(t, Duration(30*time.Second), res)

	res, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "30s")
	require.NoError(t, err)
	require.Equal(t, "30s", res)

	_, err = hook(reflect.TypeOf(""), reflect.TypeOf(Duration(0)), "soon")
	require.Error(t, err)
}
