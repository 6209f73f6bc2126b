package varstate

import (
	"strings"

	"github.com/fpang/album-poster/internal/store"
)

// Table markers used in variable names.
const (
	markerPosts    = "INSTA_POSTS"
	markerFailed   = "FAILED_POSITIONS"
	markerMetadata = "ALBUM_METADATA"
)

var tableMarkers = map[store.Table]string{
	store.TablePosts:    markerPosts,
	store.TableFailed:   markerFailed,
	store.TableMetadata: markerMetadata,
}

// sanitize upper-cases s and replaces anything outside [A-Z0-9_] with "_".
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

// ScopePrefix returns the variable-name prefix isolating an account.
func ScopePrefix(account string) string {
	return sanitize(account)
}

// SanitizeAlbumID returns the album ID as it appears in variable names.
func SanitizeAlbumID(albumID string) string {
	return sanitize(albumID)
}

// VariableName returns "{SCOPE}_{TABLE}_{ALBUM}" for one table of an album.
func VariableName(key store.Key, table store.Table) string {
	return ScopePrefix(key.Account) + "_" + tableMarkers[table] + "_" + SanitizeAlbumID(key.AlbumID)
}

// ParsedName is a variable name split into its parts. Album is empty when
// the name carries no album suffix.
type ParsedName struct {
	Scope string
	Table store.Table
	Album string
}

// ParseVariableName splits a state variable name. ok is false for names that
// do not follow the naming convention.
func ParseVariableName(name string) (ParsedName, bool) {
	for _, table := range store.Tables {
		marker := tableMarkers[table]
		idx := strings.Index(name, "_"+marker)
		if idx <= 0 {
			continue
		}
		rest := name[idx+len(marker)+1:]
		switch {
		case rest == "":
			return ParsedName{Scope: name[:idx], Table: table}, true
		case strings.HasPrefix(rest, "_"):
			return ParsedName{Scope: name[:idx], Table: table, Album: rest[1:]}, true
		}
	}
	return ParsedName{}, false
}
