package storage

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

const (
	deadLetterPrefix = "deadletters"
	unroutedSegment  = "_unrouted"
)

// DeadLetterKey names the object an archived body is stored under. The
// same routing key and body always map to the same key.
func DeadLetterKey(routingKey string, body []byte) string {
	segment := sanitize(routingKey)
	if segment == "" {
		segment = unroutedSegment
	}
	h := sha256.Sum256(body)
	return fmt.Sprintf("%s/%s/%x.bin", deadLetterPrefix, segment, h[:8])
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", "=", "_", " ", "_")
	return r.Replace(s)
}
