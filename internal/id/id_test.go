package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewObjectID_Uniqueness(t *testing.T) {
	ids := make(map[string]bool)
	count := 1000

	for i := 0; i < count; i++ {
		id, err := NewObjectID()
		require.NoError(t, err)
		assert.False(t, ids[id], "ID should be unique: %s", id)
		ids[id] = true
	}

	assert.Len(t, ids, count)
}

func TestNewObjectID_Format(t *testing.T) {
	id, err := NewObjectID()
	require.NoError(t, err)

	assert.Len(t, id, ObjectIDLength)
	assert.True(t, IsObjectID(id))
}

func TestIsObjectID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"65f1c0de9a3b4e27d1c8a0f2", true},
		{"65F1C0DE9A3B4E27D1C8A0F2", false},
		{"65f1c0de", false},
		{"", false},
		{"42", false},
		{"zzf1c0de9a3b4e27d1c8a0f2", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsObjectID(tt.in))
		})
	}
}

func TestMustObjectID(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.True(t, IsObjectID(MustObjectID()))
	})
}

func TestNewObjectID_TimePrefixSorts(t *testing.T) {
	earlier, err := newObjectIDAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	later, err := newObjectIDAt(time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Less(t, earlier, later)
	assert.True(t, IsObjectID(earlier))
}
