package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		key  InternalKey
	}{
		{
			name: "Value record",
			key:  NewValueKey(1, 7, 10),
		},
		{
			name: "Invalid record",
			key:  InternalKey{PropertyID: 42, EntityID: 1 << 40, StartTime: -3, Kind: Invalid},
		},
		{
			name: "Zero key",
			key:  InternalKey{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.key.Encode()
			assert.Len(t, raw, EncodedLen)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.key, decoded)
		})
	}
}

func TestDecodeInvalidLength(t *testing.T) {
	_, err := Decode(make([]byte, EncodedLen-1))
	assert.Error(t, err)

	assert.Panics(t, func() {
		MustDecode([]byte("short"))
	})
}

func TestCompareOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b InternalKey
		want int
	}{
		{
			name: "propertyId ascending",
			a:    NewValueKey(1, 9, 10),
			b:    NewValueKey(2, 1, 10),
			want: -1,
		},
		{
			name: "entityId ascending within property",
			a:    NewValueKey(1, 7, 10),
			b:    NewValueKey(1, 8, 10),
			want: -1,
		},
		{
			name: "startTime descending within entity",
			a:    NewValueKey(1, 7, 20),
			b:    NewValueKey(1, 7, 10),
			want: -1,
		},
		{
			name: "kind not part of the order",
			a:    InternalKey{PropertyID: 1, EntityID: 7, StartTime: 10, Kind: Invalid},
			b:    NewValueKey(1, 7, 10),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Compare(tt.b)
			assert.Equal(t, tt.want, got)
			// 编码后的比较结果必须一致
			assert.Equal(t, tt.want, Compare(tt.a.Encode(), tt.b.Encode()))
			if tt.want != 0 {
				assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
			}
		})
	}
}

func TestLess(t *testing.T) {
	newer := NewValueKey(1, 7, 20).Encode()
	older := NewValueKey(1, 7, 10).Encode()
	// 同一实体内新版本在前
	assert.True(t, Less(newer, older))
	assert.False(t, Less(older, newer))
	assert.False(t, Less(newer, newer))
}
