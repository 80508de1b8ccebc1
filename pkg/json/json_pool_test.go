package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type payload struct {
		ID    int               `json:"id"`
		Name  string            `json:"name"`
		Tags  []string          `json:"tags"`
		Attrs map[string]string `json:"attrs"`
	}

	in := payload{
		ID:    7,
		Name:  "widget",
		Tags:  []string{"a", "b"},
		Attrs: map[string]string{"color": "red"},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalUseNumberKeepsIntegers(t *testing.T) {
	var m map[string]interface{}
	require.NoError(t, UnmarshalUseNumber([]byte(`{"id":9007199254740993,"f":1.5}`), &m))

	n, ok := m["id"].(Number)
	require.True(t, ok, "expected json.Number, got %T", m["id"])
	i, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), i)
}

func TestMarshalToWriterNoHTMLEscape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalToWriter(&buf, map[string]string{"q": "a<b>&c"}))
	assert.Contains(t, buf.String(), `a<b>&c`)
}

func TestMarshalToBuffer(t *testing.T) {
	buf, err := MarshalToBuffer([]int{1, 2, 3})
	require.NoError(t, err)
	defer PutBuffer(buf)

	assert.Equal(t, "[1,2,3]\n", buf.String())
}

func TestBufferPoolReuse(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("hello")
	PutBuffer(buf)

	buf2 := GetBuffer()
	assert.Zero(t, buf2.Len())
	PutBuffer(buf2)
}
