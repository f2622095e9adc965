package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringMasksContacts(t *testing.T) {
	line := "A-1,Ana.Silva@Example.com,10.50,2025-05-01T10:00:00Z"
	assert.Equal(t, "A-1,[email_redacted],10.50,2025-05-01T10:00:00Z", String(line))
}

func TestStringMasksCardNumbers(t *testing.T) {
	assert.Equal(t, "card **** **** **** 1111", String("card 4111 1111 1111 1111"))
}

func TestStringLeavesAmountsAndDates(t *testing.T) {
	line := "B-7,,1234.56,2024-12-31T23:59:59.5Z"
	assert.Equal(t, line, String(line))
}
