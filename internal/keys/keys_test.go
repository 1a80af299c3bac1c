package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_FoldsNumericAndByteTypes(t *testing.T) {
	assert.Equal(t, int64(7), Normalize(7))
	assert.Equal(t, int64(7), Normalize(int32(7)))
	assert.Equal(t, int64(7), Normalize(float64(7)))
	assert.Equal(t, 7.5, Normalize(float32(7.5)))
	assert.Equal(t, "abc", Normalize([]byte("abc")))
	assert.Nil(t, Normalize((*int64)(nil)))
}

func TestHash_AgreesAcrossRepresentations(t *testing.T) {
	assert.Equal(t, Hash(int64(1), "a"), Hash(1, []byte("a")))
	assert.Equal(t, Hash(float64(3)), Hash(int32(3)))
	assert.NotEqual(t, Hash(int64(1), "a"), Hash("a", int64(1)))
	assert.NotEqual(t, Hash("ab", "c"), Hash("a", "bc"))
	assert.NotEqual(t, Hash(nil), Hash(""))
}

func TestEqual(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	loc := time.FixedZone("x", 3600)

	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"int widths", int32(4), int64(4), true},
		{"json float", float64(4), 4, true},
		{"bytes and string", []byte("k"), "k", true},
		{"nil", nil, nil, true},
		{"nil vs zero", nil, int64(0), false},
		{"time zones", ts, ts.In(loc), true},
		{"different strings", "a", "b", false},
		{"int vs string", int64(1), "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Equal(tc.a, tc.b))
		})
	}
}

func TestEqualTuple(t *testing.T) {
	assert.True(t, EqualTuple([]any{1, "x"}, []any{int64(1), []byte("x")}))
	assert.False(t, EqualTuple([]any{1}, []any{1, 2}))
	assert.False(t, EqualTuple([]any{1, "x"}, []any{1, "y"}))
}

func TestEncode(t *testing.T) {
	assert.Equal(t, Encode(1, "a"), Encode(int64(1), []byte("a")))
	assert.Equal(t, `i1|s"a"|n`, Encode(1, "a", nil))
	assert.NotEqual(t, Encode("a|b"), Encode("a", "b"))
}
