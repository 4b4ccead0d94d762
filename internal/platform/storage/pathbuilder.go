package storage

import (
	"fmt"
	"strings"
	"time"
)

// WebhookObjectPath lays raw provider payloads out by provider and receive date:
// webhooks/<provider>/<yyyy>/<mm>/<dd>/<eventID>.json
func WebhookObjectPath(provider, eventID string, receivedAt time.Time) (string, error) {
	provider, err := validateSegment("provider", provider)
	if err != nil {
		return "", err
	}
	eventID, err = validateSegment("eventID", eventID)
	if err != nil {
		return "", err
	}
	if receivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	day := receivedAt.UTC().Format("2006/01/02")
	return fmt.Sprintf("webhooks/%s/%s/%s.json", strings.ToLower(provider), day, eventID), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
