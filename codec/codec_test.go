package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())

		b, err := c.Marshal(sample{Name: "a", Count: 2})
		require.NoError(t, err)
		var got sample
		require.NoError(t, c.Unmarshal(b, &got))
		assert.Equal(t, sample{Name: "a", Count: 2}, got)
	}

	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, nil, map[string]int{"hits": 3}))
	assert.Equal(t, "{\"hits\":3}\n", buf.String())
}

func TestGoJSON_UnmarshalStrict(t *testing.T) {
	var s sample
	require.NoError(t, GoJSON{}.UnmarshalStrict([]byte(`{"name":"x","count":1}`), &s))
	assert.Equal(t, "x", s.Name)

	err := GoJSON{}.UnmarshalStrict([]byte(`{"name":"x","cuont":1}`), &s)
	assert.Error(t, err)
}
