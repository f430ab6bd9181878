package dbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeVersion(t *testing.T) {
	tests := []struct {
		name  string
		vers  string
		level int
		want  string
	}{
		{"Unset", "", MinorVersionLevel, "1.0.0"},
		{"FirstPublication", "1.0.0+ (in edit)", -1, "1.0.0"},
		{"MinorRevision", "1.0.0+ (in edit)", MinorVersionLevel, "1.1.0"},
		{"MajorRevision", "1.2.3+ (in edit)", MajorVersionLevel, "2.0.0"},
		{"PatchRevision", "1.2.3+ (in edit)", TrivialVersionLevel, "1.2.4"},
		{"NotADraft", "2.5.1", MinorVersionLevel, "2.5.1"},
		{"ShortForm", "2+ (in edit)", MinorVersionLevel, "2.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FinalizeVersion(tt.vers, tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFinalizeVersionUnparseable(t *testing.T) {
	_, err := FinalizeVersion("one.two.three", MinorVersionLevel)
	assert.Error(t, err)
}

func TestDraftVersionFor(t *testing.T) {
	assert.Equal(t, "1.0.0+ (in edit)", DraftVersionFor("1.0.0"))
}
