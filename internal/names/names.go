// Package names holds the shared naming rules: article file bases, media
// filename derivation, the filename radical and the redirect index format.
package names

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// FullWidth marks a media URL that carries no NNNpx- scale prefix, meaning
// the original file at its native size.
const FullWidth = 9999999

// mediaRe splits a media URL into path, scaled-width prefix, base name and up
// to two extensions.
var mediaRe = regexp.MustCompile(`^(.*/)([^/]+)(/)(\d+px-|)(.+?)(\.[A-Za-z0-9]{2,6}|)(\.[A-Za-z0-9]{2,6}|)$`)

// Normalize canonicalizes a title: spaces to underscores, CR stripped, case
// preserved.
func Normalize(title string) string {
	return strings.ReplaceAll(strings.TrimRight(title, "\r"), " ", "_")
}

// MediaParts derives (filenameBase, width) from a media URL. filenameBase is
// the longer of the path-segment filename and the reassembled base name; a
// missing first extension defaults to .svg. Returns false when the URL does
// not look like a media path.
func MediaParts(rawURL string) (string, int, bool) {
	m := mediaRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", 0, false
	}
	width := FullWidth
	if m[4] != "" {
		w, err := strconv.Atoi(strings.TrimSuffix(m[4], "px-"))
		if err != nil {
			return "", 0, false
		}
		width = w
	}
	ext := m[6]
	if ext == "" {
		ext = ".svg"
	}
	base := m[2]
	if alt := m[5] + ext + m[7]; len(alt) > len(base) {
		base = alt
	}
	return shorten(base, 249), width, true
}

// StripWidth removes the NNNpx- scale prefix from a media URL so that all
// widths of one file share a cache entry.
func StripWidth(rawURL string) string {
	m := mediaRe.FindStringSubmatch(rawURL)
	if m == nil || m[4] == "" {
		return rawURL
	}
	return m[1] + m[2] + m[3] + m[5] + m[6] + m[7]
}

// ArticleFilename maps a title to its on-disk file name: URL-encoded with
// "/" replaced by "_", ".html" appended, capped at 250 bytes.
func ArticleFilename(title string) string {
	escaped := url.QueryEscape(strings.ReplaceAll(title, "/", "_"))
	return shorten(escaped+".html", 250)
}

// ArticleBase is the file name stem used in redirect indexes and hrefs.
func ArticleBase(title string) string {
	return strings.TrimSuffix(ArticleFilename(title), ".html")
}

// shorten enforces a byte ceiling on a filename. Oversized names keep the
// first 239-len(ext) bytes of the stem (never splitting a multi-byte rune)
// and gain a two-hex-char MD5 suffix that stabilizes the name against
// collisions between truncated siblings.
func shorten(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	keep := 239 - len(ext)
	sum := md5.Sum([]byte(stem))
	return truncateUTF8(stem, keep) + hex.EncodeToString(sum[:])[:2] + ext
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Creator derives the archive creator name from the wiki host: the
// second-level domain label, capitalized.
func Creator(host string) string {
	labels := strings.Split(host, ".")
	name := labels[0]
	if len(labels) >= 2 {
		name = labels[len(labels)-2]
	}
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// LangSuffix picks the language part of the radical from the wiki host's
// first label: a 3-letter code is kept in its ISO-639-2 form, anything else
// collapses to ISO-639-1 when the language is recognized.
func LangSuffix(host string) string {
	label := strings.Split(host, ".")[0]
	tag, err := language.Parse(label)
	if err != nil {
		return label
	}
	base, _ := tag.Base()
	if len(label) == 3 {
		if iso3 := base.ISO3(); iso3 != "" {
			return iso3
		}
	}
	return base.String()
}

// Radical renders the filename stem for output files and the cache
// directory: {creator}_{lang}_{selection}[_nopic]_{YYYY-MM}, lowercased
// creator aside. A configured prefix replaces the creator and language parts.
func Radical(host, prefix, articleList string, noPic bool, date time.Time) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	} else {
		parts = append(parts, strings.ToLower(Creator(host)), LangSuffix(host))
	}
	selection := "all"
	if articleList != "" {
		base := path.Base(articleList)
		selection = strings.TrimSuffix(base, path.Ext(base))
	}
	parts = append(parts, selection)
	if noPic {
		parts = append(parts, "nopic")
	}
	parts = append(parts, date.Format("2006-01"))
	return strings.Join(parts, "_")
}

// RedirectLine serializes one redirect for the archive-builder index.
func RedirectLine(src, dst string) string {
	return fmt.Sprintf("A\t%s\t%s\t%s\n",
		ArticleBase(src),
		strings.ReplaceAll(src, "_", " "),
		ArticleBase(dst),
	)
}
