package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = []byte(`{"id":1,"name":"line one"}
{"id":2,"name":"line two"}
{"id":3,"name":"line three, which repeats repeats repeats"}
`)

func TestWrapWriterWrapReaderRoundTrip(t *testing.T) {
	algorithms := []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2, Deflate}

	for _, algo := range algorithms {
		t.Run(string(algo), func(t *testing.T) {
			var buf bytes.Buffer

			w, err := WrapWriter(algo, &buf)
			require.NoError(t, err)
			_, err = w.Write(sample)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := WrapReader(algo, bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())

			assert.Equal(t, sample, out)
		})
	}
}

func TestAlgorithmExtensions(t *testing.T) {
	assert.Equal(t, ".gz", Gzip.Extension())
	assert.Equal(t, ".zst", Zstd.Extension())
	assert.Equal(t, "", None.Extension())

	assert.Equal(t, Gzip, AlgorithmForPath("events.00001.jsonl.gz"))
	assert.Equal(t, Zstd, AlgorithmForPath("events.00001.jsonl.zst"))
	assert.Equal(t, LZ4, AlgorithmForPath("events.00001.jsonl.lz4"))
	assert.Equal(t, None, AlgorithmForPath("events.00001.jsonl"))
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("GZIP")
	require.NoError(t, err)
	assert.Equal(t, Gzip, a)

	a, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	_, err = ParseAlgorithm("brotli")
	assert.Error(t, err)
}

func TestWrapWriterLeavesUnderlyingOpen(t *testing.T) {
	var buf bytes.Buffer

	for i := 0; i < 2; i++ {
		w, err := WrapWriter(Gzip, &buf)
		require.NoError(t, err)
		_, err = w.Write(sample)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	r, err := WrapReader(Gzip, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Equal(t, append(append([]byte{}, sample...), sample...), out)
}
