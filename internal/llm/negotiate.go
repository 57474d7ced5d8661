package llm

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// completionTokenFamilies are model-id prefixes that take
// max_completion_tokens instead of max_tokens.
var completionTokenFamilies = []string{"gpt-5", "gpt5", "gpt-4o", "o1", "o3", "claude"}

// fixedTemperatureFamilies are model-id prefixes that reject a custom
// temperature and only accept the provider default.
var fixedTemperatureFamilies = []string{"gpt-5", "gpt5", "o1", "o3"}

// needsMaxCompletionTokens reports whether the token limit must be sent
// as max_completion_tokens for this model or endpoint.
func needsMaxCompletionTokens(model, baseURL string) bool {
	m := strings.ToLower(model)
	for _, p := range completionTokenFamilies {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(baseURL), "anthropic")
}

// omitsTemperature reports whether the model rejects a custom temperature.
func omitsTemperature(model string) bool {
	m := strings.ToLower(model)
	for _, p := range fixedTemperatureFamilies {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// retryClass is the outcome of classifying a failed attempt. Each class
// maps to one concrete adjustment of the next attempt.
type retryClass string

const (
	retryNone              retryClass = ""
	retryStreamUnsupported retryClass = "stream_unsupported"
	retryTempUnsupported   retryClass = "temperature_unsupported"
	retryMaxTokensParam    retryClass = "max_tokens_unsupported"
	retryLengthLimit       retryClass = "length_limit"
	retryNetwork           retryClass = "network_error"
)

// classifyTransport classifies an error from the HTTP round trip itself.
func classifyTransport(err error) retryClass {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retryNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return retryNetwork
	}
	return retryNone
}

// classifyAPIError maps a provider error body onto a retry class by
// matching the error text, the way the upstream providers phrase their
// rejections.
func classifyAPIError(status int, message string) retryClass {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "max_tokens") && strings.Contains(msg, "max_completion_tokens"):
		return retryMaxTokensParam
	case strings.Contains(msg, "temperature"):
		return retryTempUnsupported
	case strings.Contains(msg, "stream") &&
		(strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported") ||
			strings.Contains(msg, "does not support")):
		return retryStreamUnsupported
	case status >= 500 || status == 429:
		return retryNetwork
	default:
		return retryNone
	}
}

// grownTokenLimit returns the next token limit after a truncated
// completion. Small limits double, mid-range limits jump to 4000, and
// reasoning-heavy responses (which burn tokens before emitting text)
// get a x3 growth with a floor of 2000.
func grownTokenLimit(current int, reasoningHeavy bool) int {
	if reasoningHeavy {
		n := current * 3
		if n < 2000 {
			n = 2000
		}
		return n
	}
	if current >= 1000 {
		return 4000
	}
	return current * 2
}
