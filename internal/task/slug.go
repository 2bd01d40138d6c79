package task

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	validSlugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	splitPattern     = regexp.MustCompile(`[\s-]+`)
	nonAlnumPattern  = regexp.MustCompile(`[^a-z0-9\s-]`)
)

// stopWords are dropped when deriving a slug from a free-form name.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "of": {}, "and": {}, "or": {},
	"for": {}, "in": {}, "on": {}, "with": {}, "is": {}, "are": {}, "be": {},
	"this": {}, "that": {}, "it": {}, "at": {}, "by": {}, "from": {}, "as": {},
}

const maxSlugLen = 64
const maxSlugWords = 5

// Slugify derives the directory-safe slug for a task name per §4.1:
// - if the trimmed, lowercased name already matches the slug charset and is
//   short enough, it is returned unchanged;
// - otherwise it is derived: strip non-alphanumerics, split, drop stop
//   words, take the first 5 remaining words, hyphen-join, truncate, and
//   fall back to "task" if nothing remains.
func Slugify(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if validSlugPattern.MatchString(trimmed) && len(trimmed) <= maxSlugLen {
		return trimmed
	}

	stripped := nonAlnumPattern.ReplaceAllString(trimmed, " ")
	words := splitPattern.Split(strings.TrimSpace(stripped), -1)

	kept := make([]string, 0, maxSlugWords)
	for _, w := range words {
		if w == "" {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		kept = append(kept, w)
		if len(kept) == maxSlugWords {
			break
		}
	}

	slug := strings.Join(kept, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	slug = strings.TrimRight(slug, "-")
	if slug == "" {
		return "task"
	}
	return slug
}

// SlugifyWithFlag is Slugify plus a modified flag: true when the result
// required more than trimming/lowercasing the input (i.e. the derivation
// path ran and changed the content, not just its case).
func SlugifyWithFlag(name string) (slug string, modified bool) {
	lowerTrimmed := strings.ToLower(strings.TrimSpace(name))
	slug = Slugify(name)
	return slug, slug != lowerTrimmed
}

// DeduplicateSlug returns base if <dir>/<base> doesn't yet exist, otherwise
// appends -2, -3, ... until it finds an unused directory name. It never
// returns the name of an existing entry in dir.
func DeduplicateSlug(dir, base string) string {
	candidate := base
	for i := 2; ; i++ {
		if !direntExists(dir, candidate) {
			return candidate
		}
		candidate = base + "-" + strconv.Itoa(i)
	}
}

func direntExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
