package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShapesOfEqualCardinality(t *testing.T) {
	ordered := Ordered("IMAGE", "MASK", "LATENT")
	named := Named("pixels", "IMAGE", "mask", "MASK", "latent", "LATENT")

	orderedSlots := ordered.Normalize()
	namedSlots := named.Normalize()

	require.Len(t, orderedSlots, 3)
	require.Len(t, namedSlots, 3)
	assert.Equal(t, ordered.Len(), named.Len())

	for i, slot := range orderedSlots {
		assert.Equal(t, i, slot.Position)
		assert.Equal(t, []string{"0", "1", "2"}[i], slot.Key)
	}
	assert.Equal(t, []string{"pixels", "mask", "latent"}, []string{namedSlots[0].Key, namedSlots[1].Key, namedSlots[2].Key})
	assert.Equal(t, ordered.Types(), named.Types())
}

func TestNormalizeSingle(t *testing.T) {
	slots := Single("IMAGE").Normalize()
	require.Equal(t, []Slot{{Key: "0", Position: 0, Type: "IMAGE"}}, slots)
	assert.Equal(t, 1, Single("IMAGE").Len())
}

func TestNormalizeZeroDescriptorPanics(t *testing.T) {
	assert.Panics(t, func() { Descriptor{}.Normalize() })
}

func TestUnmarshalKeepsNamedKeyOrder(t *testing.T) {
	var d Descriptor
	require.NoError(t, json.Unmarshal([]byte(`{"z":"IMAGE","a":"MASK","m":"LATENT"}`), &d))

	require.Equal(t, KindNamed, d.Kind())
	slots := d.Normalize()
	assert.Equal(t, "z", slots[0].Key)
	assert.Equal(t, "a", slots[1].Key)
	assert.Equal(t, "m", slots[2].Key)
	assert.Equal(t, "LATENT", slots[2].Type)
}

func TestUnmarshalShapes(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
		len  int
	}{
		{`"IMAGE"`, KindSingle, 1},
		{`["IMAGE","MASK"]`, KindOrdered, 2},
		{` {"a":"IMAGE"} `, KindNamed, 1},
		{`[]`, KindOrdered, 0},
	}
	for _, tc := range cases {
		var d Descriptor
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &d), tc.raw)
		assert.Equal(t, tc.kind, d.Kind(), tc.raw)
		assert.Equal(t, tc.len, d.Len(), tc.raw)
	}
}

func TestUnmarshalRejectsOtherShapes(t *testing.T) {
	for _, raw := range []string{`42`, `true`, `[1,2]`, `{"a":1}`} {
		var d Descriptor
		assert.Error(t, json.Unmarshal([]byte(raw), &d), raw)
	}
}

func TestMarshalRoundTripsShape(t *testing.T) {
	out, err := json.Marshal(Named("b", "IMAGE", "a", "MASK"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"IMAGE","a":"MASK"}`, string(out))
	assert.Equal(t, `{"b":"IMAGE","a":"MASK"}`, string(out))

	out, err = json.Marshal(Single("IMAGE"))
	require.NoError(t, err)
	assert.Equal(t, `"IMAGE"`, string(out))
}

func TestSameTypesIgnoresShape(t *testing.T) {
	assert.True(t, SameTypes(Single("IMAGE"), Ordered("IMAGE")))
	assert.True(t, SameTypes(Ordered("IMAGE", "MASK"), Named("x", "IMAGE", "y", "MASK")))
	assert.False(t, SameTypes(Ordered("IMAGE", "MASK"), Ordered("MASK", "IMAGE")))
}
