package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPooling(t *testing.T) {
	r := NewRecordFromPool("orders")
	require.NotNil(t, r.Data)

	r.Data["id"] = 1
	r.Metadata.Offset = 7

	r.Release()

	r2 := NewRecordFromPool("users")
	assert.Equal(t, "users", r2.Resource)
	assert.Empty(t, r2.Data, "pooled map must come back clean")
	assert.Equal(t, int64(0), r2.Metadata.Offset)
	r2.Release()
}

func TestReleaseIsNoopForCallerOwnedRecords(t *testing.T) {
	data := map[string]interface{}{"id": 1}
	r := NewRecord("orders", data)

	r.Release()

	assert.Equal(t, 1, r.Data["id"], "caller-owned data survives Release")
}

func TestRecordBatch(t *testing.T) {
	rb := NewRecordBatch(4)

	rb.Add(NewRecord("orders", map[string]interface{}{"id": 1}))
	rb.Add(NewRecord("orders", map[string]interface{}{"id": 2}))
	require.Equal(t, 2, rb.Size())

	rb.Reset()
	assert.Equal(t, 0, rb.Size())
}
