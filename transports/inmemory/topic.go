package inmemory

import "strings"

// matchTopic reports whether a topic binding pattern matches a routing key.
// Patterns and keys are dot-separated words; "*" matches exactly one word,
// "#" matches zero or more words.
func matchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for skip := 0; skip <= len(words); skip++ {
			if matchWords(pattern[1:], words[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}
