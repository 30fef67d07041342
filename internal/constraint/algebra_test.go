package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengen-ai/kengen/internal/model"
)

func TestIntersectAllowedSets(t *testing.T) {
	tests := []struct {
		name   string
		parent []string
		child  []string
		want   []string
	}{
		{"both nil means all", nil, nil, nil},
		{"parent only", []string{"user.read", "user.write"}, nil, []string{"user.read", "user.write"}},
		{"child only", nil, []string{"user.read"}, []string{"user.read"}},
		{"overlap", []string{"user.read", "user.write"}, []string{"user.read", "admin.delete"}, []string{"user.read"}},
		{"disjoint yields empty non-nil", []string{"user.read"}, []string{"admin.delete"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Intersect(
				model.CapabilityConstraint{Allowed: tt.parent, MaxEffect: model.EffectPrivileged},
				model.CapabilityConstraint{Allowed: tt.child, MaxEffect: model.EffectPrivileged},
			)
			assert.Equal(t, tt.want, got.Allowed)
		})
	}
}

func TestIntersectForbiddenIsUnion(t *testing.T) {
	got := Intersect(
		model.CapabilityConstraint{Forbidden: []string{"admin.delete"}},
		model.CapabilityConstraint{Forbidden: []string{"user.purge", "admin.delete"}},
	)
	assert.Equal(t, []string{"admin.delete", "user.purge"}, got.Forbidden)
}

func TestIntersectMaxEffectIsMinimum(t *testing.T) {
	got := Intersect(
		model.CapabilityConstraint{MaxEffect: model.EffectNetwork},
		model.CapabilityConstraint{MaxEffect: model.EffectMutate},
	)
	assert.Equal(t, model.EffectMutate, got.MaxEffect)

	got = Intersect(
		model.CapabilityConstraint{MaxEffect: model.EffectReadOnly},
		model.CapabilityConstraint{MaxEffect: model.EffectPrivileged},
	)
	assert.Equal(t, model.EffectReadOnly, got.MaxEffect)
}

func TestIntersectPatterns(t *testing.T) {
	parent := model.CapabilityConstraint{NounPatterns: []string{"user*", "group*"}}
	child := model.CapabilityConstraint{NounPatterns: []string{"user*"}}

	got := Intersect(parent, child)
	assert.Equal(t, []string{"user*"}, got.NounPatterns)

	// A side with no patterns defers to the other.
	got = Intersect(parent, model.CapabilityConstraint{})
	assert.Equal(t, []string{"group*", "user*"}, got.NounPatterns)

	// Disjoint patterns admit nothing.
	got = Intersect(parent, model.CapabilityConstraint{NounPatterns: []string{"billing*"}})
	require.NotNil(t, got.NounPatterns)
	assert.Empty(t, got.NounPatterns)
	ok, _ := Allows(got, "user.read", model.EffectReadOnly)
	assert.False(t, ok, "empty pattern set must admit nothing")
}

func TestAllowsDenyListWins(t *testing.T) {
	c := model.CapabilityConstraint{
		Allowed:   []string{"user.read", "admin.delete"},
		Forbidden: []string{"admin.delete"},
		MaxEffect: model.EffectPrivileged,
	}
	ok, reason := Allows(c, "admin.delete", model.EffectReadOnly)
	assert.False(t, ok)
	assert.Contains(t, reason, "forbidden")

	ok, _ = Allows(c, "user.read", model.EffectReadOnly)
	assert.True(t, ok)
}

func TestAllowsEffectCeiling(t *testing.T) {
	c := model.CapabilityConstraint{MaxEffect: model.EffectMutate}
	ok, _ := Allows(c, "user.update", model.EffectMutate)
	assert.True(t, ok)
	ok, reason := Allows(c, "net.fetch", model.EffectNetwork)
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds maximum")
}

func TestAllowsGlobPatterns(t *testing.T) {
	c := model.CapabilityConstraint{
		NounPatterns: []string{"user"},
		VerbPatterns: []string{"read", "list"},
		MaxEffect:    model.EffectReadOnly,
	}
	ok, _ := Allows(c, "user.read", model.EffectReadOnly)
	assert.True(t, ok)
	ok, _ = Allows(c, "user.delete", model.EffectReadOnly)
	assert.False(t, ok)
	ok, _ = Allows(c, "admin.read", model.EffectReadOnly)
	assert.False(t, ok)
}

func TestFoldEmptyIsUnrestricted(t *testing.T) {
	got := Fold(nil)
	assert.Equal(t, model.Unrestricted(), got)
}

func TestFoldNarrowsLeftToRight(t *testing.T) {
	chain := []model.CapabilityConstraint{
		{Allowed: nil, MaxEffect: model.EffectPrivileged},
		{NounPatterns: []string{"user"}, MaxEffect: model.EffectNetwork},
		{Allowed: []string{"user.read"}, MaxEffect: model.EffectReadOnly},
	}
	got := Fold(chain)
	assert.Equal(t, []string{"user.read"}, got.Allowed)
	assert.Equal(t, []string{"user"}, got.NounPatterns)
	assert.Equal(t, model.EffectReadOnly, got.MaxEffect)

	ok, _ := Allows(got, "user.read", model.EffectReadOnly)
	assert.True(t, ok)
	ok, _ = Allows(got, "user.read", model.EffectMutate)
	assert.False(t, ok)
}
