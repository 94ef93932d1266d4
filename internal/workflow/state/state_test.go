package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		"owner_id": PolicyLastWriteWins,
		"warnings": PolicyAppend,
		"results":  PolicyShallowMerge,
	}
}

func TestMergeRejectsUnknownField(t *testing.T) {
	cur := New()
	cur.Fields["owner_id"] = "owner-1"

	_, err := Merge(testSchema(), cur, NewUpdate(map[string]any{"surprise": 1}))

	var unknown UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "surprise", unknown.Field)
	// prior state untouched
	assert.Equal(t, "owner-1", cur.Fields["owner_id"])
	assert.Len(t, cur.Fields, 1)
}

func TestMergeRejectsUnknownFieldBeforeApplyingAnything(t *testing.T) {
	cur := New()
	good := NewUpdate(map[string]any{"warnings": []string{"w1"}})
	bad := NewUpdate(map[string]any{"nope": true})

	_, err := Merge(testSchema(), cur, good, bad)
	require.Error(t, err)
	assert.Empty(t, cur.Fields["warnings"])
}

func TestAppendPolicyConcatenates(t *testing.T) {
	schema := testSchema()
	cur := New()

	next, err := Merge(schema, cur, NewUpdate(map[string]any{"warnings": []string{"a"}}))
	require.NoError(t, err)
	next, err = Merge(schema, next, NewUpdate(map[string]any{"warnings": []string{"b", "c"}}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, next.GetStrings("warnings"))
	// history preserved on the older snapshot
	assert.Nil(t, cur.GetStrings("warnings"))
}

func TestShallowMergeOverwritesMatchingKeysOnly(t *testing.T) {
	schema := testSchema()
	cur := New()

	next, err := Merge(schema, cur,
		NewUpdate(map[string]any{"results": map[string]any{"price": 100, "escrow": "open"}}),
	)
	require.NoError(t, err)
	next, err = Merge(schema, next,
		NewUpdate(map[string]any{"results": map[string]any{"price": 250}}),
	)
	require.NoError(t, err)

	got := next.GetMap("results")
	assert.Equal(t, 250, got["price"])
	assert.Equal(t, "open", got["escrow"])
}

func TestLastWriteWinsTieBreakByStamp(t *testing.T) {
	schema := testSchema()
	early := Update{Fields: map[string]any{"owner_id": "early"}, StampedAt: time.Unix(100, 0)}
	late := Update{Fields: map[string]any{"owner_id": "late"}, StampedAt: time.Unix(200, 0)}

	a, err := Merge(schema, New(), early, late)
	require.NoError(t, err)
	b, err := Merge(schema, New(), late, early)
	require.NoError(t, err)

	assert.Equal(t, "late", a.GetString("owner_id"))
	assert.Equal(t, "late", b.GetString("owner_id"))
}

func TestMergeOrderIndependenceWithinBoundary(t *testing.T) {
	schema := testSchema()
	updA := Update{
		Fields: map[string]any{
			"warnings": []string{"section 2 ambiguous"},
			"results":  map[string]any{"sectionA": "ok"},
		},
		StampedAt: time.Unix(100, 0),
	}
	updB := Update{
		Fields: map[string]any{
			"results": map[string]any{"sectionB": "risky"},
		},
		StampedAt: time.Unix(100, 0),
	}

	base := New()
	base.Fields["results"] = map[string]any{"seed": true}

	ab, err := Merge(schema, base, updA, updB)
	require.NoError(t, err)
	ba, err := Merge(schema, base, updB, updA)
	require.NoError(t, err)

	assert.Equal(t, ab.GetMap("results"), ba.GetMap("results"))
	assert.Equal(t, ab.GetStrings("warnings"), ba.GetStrings("warnings"))
	assert.True(t, ab.GetMap("results")["seed"].(bool))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	schema := testSchema()
	st, err := Merge(schema, New(),
		NewUpdate(map[string]any{
			"owner_id": "owner-9",
			"warnings": []string{"w"},
			"results":  map[string]any{"k": "v"},
		}),
	)
	require.NoError(t, err)

	raw, err := st.Encode()
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "owner-9", back.GetString("owner_id"))
	assert.Equal(t, []string{"w"}, back.GetStrings("warnings"))
	assert.Equal(t, "v", back.GetMap("results")["k"])

	// append still works on a decoded state
	next, err := Merge(schema, back, NewUpdate(map[string]any{"warnings": []string{"w2"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "w2"}, next.GetStrings("warnings"))
}

func TestDecodeEmptyYieldsEmptyState(t *testing.T) {
	st, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, st.Fields)
}

func TestPipelineSchemaDeclaresEveryFieldOnce(t *testing.T) {
	schema := PipelineSchema()
	for field, policy := range schema {
		switch policy {
		case PolicyLastWriteWins, PolicyAppend, PolicyShallowMerge:
		default:
			t.Fatalf("field %s has invalid policy %q", field, policy)
		}
	}
	assert.Equal(t, PolicyAppend, schema[FieldWarnings])
	assert.Equal(t, PolicyShallowMerge, schema[FieldContingencies])
	assert.Equal(t, PolicyLastWriteWins, schema[FieldJurisdiction])
}
