package pg

import (
	"strconv"
	"strings"
)

// int64Array renders ids as a Postgres array literal so the statement
// works through database/sql's plain value converter.
func int64Array(ids []int64) string {
	if len(ids) == 0 {
		return "{}"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Scopes are stored as a single space-separated text column, the same
// shape the authorization server hands them out in.

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(raw []byte) []string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
