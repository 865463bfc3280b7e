package inmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{"exact match", "billing.invoice.created", "billing.invoice.created", true},
		{"exact mismatch", "billing.invoice.created", "billing.invoice.updated", false},
		{"star matches one word", "billing.invoice.*", "billing.invoice.created", true},
		{"star requires a word", "billing.invoice.*", "billing.invoice", false},
		{"star matches only one word", "billing.*", "billing.invoice.created", false},
		{"star in the middle", "billing.*.created", "billing.invoice.created", true},
		{"hash matches zero words", "billing.invoice.#", "billing.invoice", true},
		{"hash matches one word", "billing.invoice.#", "billing.invoice.created", true},
		{"hash matches many words", "billing.#", "billing.invoice.created.v2", true},
		{"hash alone matches everything", "#", "billing.invoice.created", true},
		{"hash alone matches empty key", "#", "", true},
		{"hash then word", "#.created", "billing.invoice.created", true},
		{"hash then word mismatch", "#.created", "billing.invoice.updated", false},
		{"shorter key", "billing.invoice.created", "billing.invoice", false},
		{"longer key", "billing.invoice", "billing.invoice.created", false},
		{"empty pattern empty key", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchTopic(tt.pattern, tt.key))
		})
	}
}
