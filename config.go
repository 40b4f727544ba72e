// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package syncwave

import (
	"strings"

	"github.com/spf13/pflag"
)

// EntityList is the set of entity names a replica serves, bindable as a
// comma-separated command line flag.
type EntityList []string

var _ pflag.Value = (*EntityList)(nil)

// Type implements pflag.Value.
func (EntityList) Type() string { return "syncwave.EntityList" }

// String implements pflag.Value.
func (e *EntityList) String() string {
	if e == nil {
		return ""
	}
	return strings.Join(*e, ",")
}

// Set implements pflag.Value.
func (e *EntityList) Set(s string) error {
	if s == "" {
		*e = nil
		return nil
	}
	var entities []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entities = append(entities, part)
	}
	*e = entities
	return nil
}
