package chat

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"livechat-ws/internal/domain"
)

var (
	introducedName = regexp.MustCompile(`(?i)^(?:mi chiamo|sono|il mio nome è|chiamami|my name is|i am|i'm|call me)\s+(\p{L}+(?:\s+\p{L}+){0,2})[.!]?$`)
	bareName       = regexp.MustCompile(`^\p{L}+(?:\s+\p{L}+){0,2}$`)

	// greetings and requests that look like short names
	conversationWords = []string{
		"ciao", "salve", "buongiorno", "buonasera", "grazie", "prego", "aiuto", "problema",
		"come", "cosa", "quando", "dove", "perché", "vorrei", "hello", "hi", "hey", "thanks",
		"help", "yes", "no", "ok", "okay", "si", "sì", "qui", "ancora", "pronto", "fine",
		"good", "here", "back", "ready", "sorry", "still",
	}
	conversationPhrases = []string{"non funziona", "ho bisogno", "mi serve", "thank you"}
)

// extractUserName recognises a visitor introducing themselves. A bare one to
// three word reply only counts when it answers an operator's question.
func extractUserName(content string, prev *domain.Message) string {
	text := strings.TrimSpace(content)
	if text == "" || utf8.RuneCountInString(text) > 50 {
		return ""
	}
	lower := strings.ToLower(text)
	for _, p := range conversationPhrases {
		if strings.Contains(lower, p) {
			return ""
		}
	}

	if m := introducedName.FindStringSubmatch(text); m != nil {
		if isConversational(m[1]) {
			return ""
		}
		return titleCase(m[1])
	}
	if prev == nil || prev.Type != domain.MessageOperator || !strings.Contains(prev.Content, "?") {
		return ""
	}
	if !bareName.MatchString(text) || isConversational(text) {
		return ""
	}
	return titleCase(text)
}

func isConversational(s string) bool {
	for _, w := range strings.Fields(strings.ToLower(s)) {
		for _, c := range conversationWords {
			if w == c {
				return true
			}
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
