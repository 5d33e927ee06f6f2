package mediastore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MediaKind classifies stored files. Each kind has one fixed suffix.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindCover MediaKind = "cover"
	KindVideo MediaKind = "video"
)

const (
	maxNameLength     = 200
	maxExternalIDLen  = 64
	maxTitleLen       = 80
	untitled          = "Untitled"
	coverMarker       = "cover"
	nameFieldSep      = "-"
	whitespaceReplace = "_"
)

var (
	ErrInvalidName = errors.New("invalid media filename")
	ErrUnknownKind = errors.New("unknown media kind")

	safeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	coverPattern    = regexp.MustCompile(`^(.+)-cover-(\d+)\.png$`)
	underscoreRuns  = regexp.MustCompile(`_+`)
)

// Suffix returns the file extension, including the dot.
func (k MediaKind) Suffix() string {
	switch k {
	case KindAudio:
		return ".mp3"
	case KindCover:
		return ".png"
	case KindVideo:
		return ".mp4"
	}
	return ""
}

// ContentType returns the MIME type served for the kind.
func (k MediaKind) ContentType() string {
	switch k {
	case KindAudio:
		return "audio/mpeg"
	case KindCover:
		return "image/png"
	case KindVideo:
		return "video/mp4"
	}
	return "application/octet-stream"
}

// KindFromName classifies a filename by its suffix.
func KindFromName(name string) (MediaKind, error) {
	for _, k := range []MediaKind{KindAudio, KindCover, KindVideo} {
		if strings.HasSuffix(name, k.Suffix()) {
			return k, nil
		}
	}
	return "", ErrUnknownKind
}

// IsSafeName must pass before any filesystem access with a caller-influenced name.
func IsSafeName(kind MediaKind, name string) bool {
	suffix := kind.Suffix()
	if suffix == "" {
		return false
	}
	if len(name) <= len(suffix) || len(name) > maxNameLength {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	if !strings.HasSuffix(name, suffix) {
		return false
	}
	return safeNamePattern.MatchString(name)
}

// BuildName returns the deterministic stem "{externalID}-{index}-{title}".
// The same inputs always produce the same stem, so names can be rebuilt
// instead of stored.
func BuildName(externalID string, index int, title string) string {
	id := sanitizeExternalID(externalID)
	t := sanitizeTitle(title)
	if t == "" {
		t = untitled
	}
	return strings.Join([]string{id, strconv.Itoa(index), t}, nameFieldSep)
}

// AudioName is the stored filename of a track.
func AudioName(externalID string, index int, title string) string {
	return BuildName(externalID, index, title) + KindAudio.Suffix()
}

// VideoName is the stored filename of a track's music video.
func VideoName(externalID string, index int, title string) string {
	return BuildName(externalID, index, title) + KindVideo.Suffix()
}

// CoverName is the stored filename of the n-th (1-based) cover image of a job.
func CoverName(externalID string, n int) string {
	return fmt.Sprintf("%s-%s-%d%s", sanitizeExternalID(externalID), coverMarker, n, KindCover.Suffix())
}

// ParsedName is the information recoverable from a stored filename.
type ParsedName struct {
	Kind       MediaKind
	ExternalID string
	Index      int
	Title      string
	CoverIndex int
}

// ParseName inverts AudioName, VideoName and CoverName.
func ParseName(name string) (ParsedName, error) {
	kind, err := KindFromName(name)
	if err != nil {
		return ParsedName{}, err
	}
	if !IsSafeName(kind, name) {
		return ParsedName{}, ErrInvalidName
	}

	if kind == KindCover {
		m := coverPattern.FindStringSubmatch(name)
		if m == nil {
			return ParsedName{}, ErrInvalidName
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			return ParsedName{}, ErrInvalidName
		}
		return ParsedName{Kind: kind, ExternalID: m[1], CoverIndex: n}, nil
	}

	stem := strings.TrimSuffix(name, kind.Suffix())
	titleSep := strings.LastIndex(stem, nameFieldSep)
	if titleSep <= 0 {
		return ParsedName{}, ErrInvalidName
	}
	title := stem[titleSep+1:]
	rest := stem[:titleSep]
	indexSep := strings.LastIndex(rest, nameFieldSep)
	if indexSep <= 0 {
		return ParsedName{}, ErrInvalidName
	}
	index, err := strconv.Atoi(rest[indexSep+1:])
	if err != nil || index < 1 {
		return ParsedName{}, ErrInvalidName
	}
	return ParsedName{
		Kind:       kind,
		ExternalID: rest[:indexSep],
		Index:      index,
		Title:      title,
	}, nil
}

// DisplayTitle turns a stored title segment back into readable text.
func DisplayTitle(segment string) string {
	return strings.TrimSpace(strings.ReplaceAll(segment, whitespaceReplace, " "))
}

// sanitizeExternalID keeps hyphens so the id survives a round trip; the
// index and title fields are split off from the right.
func sanitizeExternalID(id string) string {
	return truncate(filterRunes(transliterate(id), func(r rune) bool {
		return isASCIIAlnum(r) || r == '_' || r == '-'
	}), maxExternalIDLen)
}

// sanitizeTitle drops '-' and '.' so the title can never introduce a field
// separator or a ".." sequence.
func sanitizeTitle(title string) string {
	s := strings.Join(strings.Fields(transliterate(title)), whitespaceReplace)
	s = filterRunes(s, func(r rune) bool { return isASCIIAlnum(r) || r == '_' })
	s = underscoreRuns.ReplaceAllString(s, whitespaceReplace)
	s = strings.Trim(s, whitespaceReplace)
	return strings.TrimRight(truncate(s, maxTitleLen), whitespaceReplace)
}

// transliterate strips combining marks so "Späce" becomes "Space".
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func filterRunes(s string, keep func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// truncate is byte based; inputs are ASCII after filtering.
func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
