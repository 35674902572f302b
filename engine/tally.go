package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hrygo/taleforge/gateway"
)

// TallyResult is the deterministic aggregation of one round's votes.
// Scores keys are option letters (A-G) or custom-input message ids; only
// entries someone actually voted on appear, so an empty map means nobody
// voted at all.
type TallyResult struct {
	Scores map[string]int
	Lines  []string
}

// voteSnapshot is the cache's per-message tally form.
type voteSnapshot = map[string]map[string]map[string]struct{}

// ComputeTally scores the ballot from a group votes snapshot.
//
// Option letters score the unique voter count of their emoji on the main
// message. Custom inputs score yay minus nay net; a candidate nobody voted
// on is excluded, but a candidate with offsetting votes stays in the race
// at zero. contentOf supplies display text for candidate lines and may
// miss; the fallback labels the raw message id.
func ComputeTally(votes voteSnapshot, mainMessageID string, candidateIDs []string, contentOf func(messageID string) (string, bool)) *TallyResult {
	result := &TallyResult{Scores: make(map[string]int)}

	mainVotes := votes[mainMessageID]
	for _, letter := range gateway.OptionLetters {
		voters := mainVotes[gateway.OptionEmojis[letter]]
		if len(voters) == 0 {
			continue
		}
		result.Scores[letter] = len(voters)
		result.Lines = append(result.Lines, fmt.Sprintf("- 选项 %s: %d 票", letter, len(voters)))
	}

	for _, candidateID := range candidateIDs {
		candidateVotes := votes[candidateID]
		yay := len(candidateVotes[gateway.EmojiYay])
		nay := len(candidateVotes[gateway.EmojiNay])
		if yay == 0 && nay == 0 {
			continue
		}
		net := yay - nay
		result.Scores[candidateID] = net
		result.Lines = append(result.Lines, fmt.Sprintf("- %s: %d 票", candidateLabel(candidateID, contentOf), net))
	}

	return result
}

// Winners returns the score keys tied at the maximum, sorted so letter
// options come before custom inputs and each class is ordered. Empty when
// nobody voted.
func (r *TallyResult) Winners() []string {
	if len(r.Scores) == 0 {
		return nil
	}

	best := false
	max := 0
	for _, score := range r.Scores {
		if !best || score > max {
			max = score
			best = true
		}
	}

	var winners []string
	for key, score := range r.Scores {
		if score == max {
			winners = append(winners, key)
		}
	}
	sort.Slice(winners, func(i, j int) bool {
		li, lj := isOptionLetter(winners[i]), isOptionLetter(winners[j])
		if li != lj {
			return li
		}
		return winners[i] < winners[j]
	})
	return winners
}

func isOptionLetter(key string) bool {
	_, ok := gateway.OptionEmojis[key]
	return ok
}

func candidateLabel(messageID string, contentOf func(string) (string, bool)) string {
	if contentOf != nil {
		if content, ok := contentOf(messageID); ok {
			// Quote plain content; ids stay bare so the line is copyable.
			if !strings.Contains(content, "ID:") {
				return fmt.Sprintf("%q", content)
			}
			return content
		}
	}
	return fmt.Sprintf("自定义输入 (ID: %s)", messageID)
}
