// Package util provides small helpers shared across CoachRelay components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; these identifiers are not security-sensitive.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateCorrelationToken generates a fresh client correlation token with
// "ct_" prefix. Tokens are unique per locally created message and never
// reused across two different messages.
func GenerateCorrelationToken() string {
	return GenerateRandomID("ct_", 32)
}

// GenerateConversationID generates a conversation identifier with "conv_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("conv_", 24)
}
