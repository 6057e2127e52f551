package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/petsync/internal/server/models"
)

const (
	maxNameLen = 256
	maxFields  = 1024
)

// validate returns why m cannot be applied, or "" when it can.
func validate(m *models.Mutation) string {
	if reason := checkName("entity kind", m.Kind); reason != "" {
		return reason
	}
	if strings.Contains(m.Kind, "/") {
		return "entity kind must not contain '/'"
	}
	if reason := checkName("entity id", m.EntityID); reason != "" {
		return reason
	}
	if len(m.Patch) == 0 {
		return "empty patch"
	}
	if len(m.Patch) > maxFields {
		return fmt.Sprintf("patch has %d fields, limit is %d", len(m.Patch), maxFields)
	}
	for f := range m.Patch {
		if reason := checkName("field name", f); reason != "" {
			return reason
		}
	}
	for f, ts := range m.BaseTimestamps {
		if ts < 0 {
			return fmt.Sprintf("negative base timestamp for %q", f)
		}
	}
	return ""
}

func checkName(what, s string) string {
	switch {
	case s == "":
		return what + " is empty"
	case len(s) > maxNameLen:
		return fmt.Sprintf("%s longer than %d bytes", what, maxNameLen)
	case !utf8.ValidString(s):
		return what + " is not valid UTF-8"
	}
	return ""
}
