package lifecycle

import (
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/triagegate/internal/notify"
)

// Intent is what a human asked for in an approval thread.
type Intent int

const (
	IntentNone Intent = iota
	IntentApprove
	IntentOverride
)

func (i Intent) String() string {
	switch i {
	case IntentApprove:
		return "approve"
	case IntentOverride:
		return "override"
	default:
		return "none"
	}
}

// OverrideCommand bypasses a safety refusal.
const OverrideCommand = "FORCE_OVERRIDE"

var approveWords = map[string]bool{
	"approve":   true,
	"approved":  true,
	"yes":       true,
	"confirm":   true,
	"confirmed": true,
	"ok":        true,
}

// Classify reads one message. The override command matches anywhere in
// the text; approvals must be whole words, so "token" is not "ok".
func Classify(text string) Intent {
	lower := strings.ToLower(text)
	if strings.Contains(lower, strings.ToLower(OverrideCommand)) {
		return IntentOverride
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		if approveWords[w] {
			return IntentApprove
		}
	}
	return IntentNone
}

// ClassifyThread reads the human replies under parentTS. Bot messages and
// the parent itself are skipped. An override anywhere in the thread wins
// over approvals.
func ClassifyThread(msgs []notify.Message, parentTS string) Intent {
	intent := IntentNone
	for _, m := range msgs {
		if m.BotID != "" || m.TS == parentTS {
			continue
		}
		switch Classify(m.Text) {
		case IntentOverride:
			return IntentOverride
		case IntentApprove:
			intent = IntentApprove
		}
	}
	return intent
}
