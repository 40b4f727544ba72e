// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package pgbridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	changeChannelPrefix = "syncwave_changes_"
	fieldChannelPrefix  = "syncwave_field_changes_"

	// Postgres truncates identifiers beyond 63 bytes; names must stay
	// under that so LISTEN and NOTIFY agree on the channel.
	maxChannelLength = 63
)

// ChangeChannel returns the notification channel carrying entity-level
// changes for the entity. Deterministic: every replica derives the same
// name from the entity alone.
func ChangeChannel(entity string) string {
	return channelName(changeChannelPrefix, entity)
}

// FieldChannel returns the notification channel carrying field-level
// changes for the entity.
func FieldChannel(entity string) string {
	return channelName(fieldChannelPrefix, entity)
}

func channelName(prefix, entity string) string {
	name := prefix + sanitizeIdentifier(entity)
	if len(name) <= maxChannelLength {
		return name
	}
	// Entity names that would overflow keep a recognizable stem plus a
	// hash of the full name, so distinct entities never collide.
	sum := sha256.Sum256([]byte(entity))
	suffix := "_" + hex.EncodeToString(sum[:8])
	return name[:maxChannelLength-len(suffix)] + suffix
}

func sanitizeIdentifier(entity string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(entity) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
