package mqtt

import (
	"fmt"
	"strings"
)

// expected: {prefix}/terminal/{terminalId}/{kind}
func ParseTerminalID(topic, prefix string) (string, error) {
	return parseScopedID(topic, prefix, "terminal")
}

// expected: {prefix}/conversation/{sessionId}/{kind}
func ParseSessionID(topic, prefix string) (string, error) {
	return parseScopedID(topic, prefix, "conversation")
}

func parseScopedID(topic, prefix, scope string) (string, error) {
	parts := strings.Split(topic, "/")
	prefixParts := strings.Split(prefix, "/")
	if len(parts) < len(prefixParts)+3 {
		return "", fmt.Errorf("invalid topic: %s", topic)
	}
	for i, p := range prefixParts {
		if parts[i] != p {
			return "", fmt.Errorf("topic prefix mismatch: %s", topic)
		}
	}
	if parts[len(prefixParts)] != scope {
		return "", fmt.Errorf("invalid topic pattern: %s", topic)
	}
	id := parts[len(prefixParts)+1]
	if id == "" {
		return "", fmt.Errorf("empty %s id in topic: %s", scope, topic)
	}
	return id, nil
}
