// Package hashing implements the domain-separated identifier scheme used
// across all collections.
//
// A single uid is never stored directly. Each collection sees its own
// SHA-256 digest of the uid, prefixed with a per-collection salt, so that
// records from different collections cannot be joined back to one person:
//
//	interactions  SHA256(upper(uid))
//	notifications SHA256("notification:" + upper(uid))
//	reports       SHA256("report:" + upper(uid))
//	chain paths   SHA256("chain:" + interactionHash)
//
// ChainHash is deliberately applied over the already-hashed interaction id,
// not the raw uid: chain paths embedded in notifications must not be
// joinable against the interactions collection either.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	notificationDomain = "notification:"
	reportDomain       = "report:"
	chainDomain        = "chain:"
)

// InteractionHash returns the identifier a user is known by in the
// interactions collection.
func InteractionHash(uid string) string {
	return digest("", uid)
}

// NotificationHash returns the identifier a user is known by as a
// notification recipient.
func NotificationHash(uid string) string {
	return digest(notificationDomain, uid)
}

// ReportHash returns the identifier a user is known by as a reporter.
func ReportHash(uid string) string {
	return digest(reportDomain, uid)
}

// ChainHash re-hashes an interaction hash for embedding in chain paths.
// The input is expected to be a value produced by InteractionHash; it is
// used verbatim, without case folding.
func ChainHash(interactionHash string) string {
	sum := sha256.Sum256([]byte(chainDomain + interactionHash))
	return hex.EncodeToString(sum[:])
}

// ChainPath maps a path of interaction hashes into its chain-domain form.
func ChainPath(interactionHashes []string) []string {
	out := make([]string, len(interactionHashes))
	for i, h := range interactionHashes {
		out[i] = ChainHash(h)
	}
	return out
}

func digest(domain, uid string) string {
	sum := sha256.Sum256([]byte(domain + strings.ToUpper(uid)))
	return hex.EncodeToString(sum[:])
}
