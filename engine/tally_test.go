package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voters(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func TestComputeTallyLetters(t *testing.T) {
	votes := voteSnapshot{
		"msg-main": {
			"127822": voters("u1", "u2", "u3"), // A
			"9973":   voters("u4"),             // B
			"128663": {},                       // C, everyone retracted
		},
	}

	result := ComputeTally(votes, "msg-main", nil, nil)

	assert.Equal(t, map[string]int{"A": 3, "B": 1}, result.Scores)
	require.Len(t, result.Lines, 2)
	assert.Equal(t, "- 选项 A: 3 票", result.Lines[0])
	assert.Equal(t, "- 选项 B: 1 票", result.Lines[1])
}

func TestComputeTallyCandidates(t *testing.T) {
	votes := voteSnapshot{
		"cand-1": {
			"127881": voters("u1", "u2"), // yay
			"128560": voters("u3"),       // nay
		},
		"cand-2": {
			"127881": voters("u4"),
			"128560": voters("u5"),
		},
		"cand-3": {}, // nobody voted
	}
	contentOf := func(id string) (string, bool) {
		if id == "cand-1" {
			return "去找水源", true
		}
		return "", false
	}

	result := ComputeTally(votes, "msg-main", []string{"cand-1", "cand-2", "cand-3"}, contentOf)

	// cand-2 nets zero but stays in the race; cand-3 drops out entirely.
	assert.Equal(t, map[string]int{"cand-1": 1, "cand-2": 0}, result.Scores)
	require.Len(t, result.Lines, 2)
	assert.Contains(t, result.Lines[0], `"去找水源"`)
	assert.Contains(t, result.Lines[1], "自定义输入 (ID: cand-2)")
}

func TestComputeTallyEmpty(t *testing.T) {
	result := ComputeTally(voteSnapshot{}, "msg-main", []string{"cand-1"}, nil)
	assert.Empty(t, result.Scores)
	assert.Nil(t, result.Winners())
}

func TestWinnersSingle(t *testing.T) {
	result := &TallyResult{Scores: map[string]int{"A": 2, "B": 5, "cand-1": 3}}
	assert.Equal(t, []string{"B"}, result.Winners())
}

func TestWinnersTieOrdering(t *testing.T) {
	result := &TallyResult{Scores: map[string]int{
		"cand-9": 4,
		"B":      4,
		"A":      4,
		"cand-1": 4,
		"C":      1,
	}}
	// Letters first, then candidate ids, each in order.
	assert.Equal(t, []string{"A", "B", "cand-1", "cand-9"}, result.Winners())
}

func TestWinnersNegativeMax(t *testing.T) {
	// A candidate can win with a negative net when nothing else got votes.
	result := &TallyResult{Scores: map[string]int{"cand-1": -2}}
	assert.Equal(t, []string{"cand-1"}, result.Winners())
}

func TestCandidateLabelKeepsIDLines(t *testing.T) {
	contentOf := func(string) (string, bool) { return "自定义输入 (ID: om_abc)", true }
	label := candidateLabel("om_abc", contentOf)
	assert.Equal(t, "自定义输入 (ID: om_abc)", label)
}
