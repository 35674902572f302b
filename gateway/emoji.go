package gateway

// Platform sticker ids used for voting and admin control. CONFIRM/YAY and
// DENY/NAY share ids on purpose: the router disambiguates by which message
// carries the reaction, never by the id alone.
const (
	EmojiOptionA = "127822"
	EmojiOptionB = "9973"
	EmojiOptionC = "128663"
	EmojiOptionD = "128054"
	EmojiOptionE = "127859"
	EmojiOptionF = "128293"
	EmojiOptionG = "128123"

	// Admin controls on the main message.
	EmojiConfirm = "127881"
	EmojiDeny    = "128560"
	EmojiRetract = "10060"

	// Votes on a custom-input candidate.
	EmojiYay    = "127881"
	EmojiNay    = "128560"
	EmojiCancel = "10060"

	// Busy indicator on a pending proposal.
	EmojiCoffee = "9749"
)

// OptionLetters are the preset ballot options, in display order.
var OptionLetters = []string{"A", "B", "C", "D", "E", "F", "G"}

// OptionEmojis maps each option letter to its emoji id.
var OptionEmojis = map[string]string{
	"A": EmojiOptionA,
	"B": EmojiOptionB,
	"C": EmojiOptionC,
	"D": EmojiOptionD,
	"E": EmojiOptionE,
	"F": EmojiOptionF,
	"G": EmojiOptionG,
}

// MainMessageEmojis is the canonical reaction set attached to every
// published round: the seven options plus the three admin controls.
var MainMessageEmojis = []string{
	EmojiOptionA, EmojiOptionB, EmojiOptionC, EmojiOptionD,
	EmojiOptionE, EmojiOptionF, EmojiOptionG,
	EmojiConfirm, EmojiDeny, EmojiRetract,
}

// CandidateEmojis is pre-attached to every custom-input candidate.
var CandidateEmojis = []string{EmojiYay, EmojiNay, EmojiCancel}

// LetterForEmoji resolves an option emoji id back to its letter.
func LetterForEmoji(emojiID string) (string, bool) {
	for letter, id := range OptionEmojis {
		if id == emojiID {
			return letter, true
		}
	}
	return "", false
}
