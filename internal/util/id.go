// Package util provides small helpers shared across CarePipe components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used for entity identifiers.
const (
	PrefixPatient     = "pat_"
	PrefixTemplate    = "tpl_"
	PrefixInstance    = "pi_"
	PrefixObservation = "obs_"
	PrefixAlert       = "al_"
	PrefixTask        = "task_"
	PrefixBatch       = "batch_"
	PrefixJob         = "job_"
	PrefixOutbox      = "outbox_"
)

// NewID returns a random identifier in the format "{prefix}{32 hex chars}".
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasIDFormat reports whether id was produced by NewID with the given prefix.
func HasIDFormat(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}

// StableID returns an identifier derived from name, so retries of the same
// operation produce the same ID.
func StableID(prefix, name string) string {
	return prefix + strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(), "-", "")
}
