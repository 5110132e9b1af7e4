// Package rewrite cleans and localizes article DOMs: media references are
// pointed at the mirrored tree, geo services become geo: URIs, and
// blacklisted furniture is stripped.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Options configures one article rewrite pass.
type Options struct {
	NoPic               bool
	KeepEmptyParagraphs bool
	MinifyHTML          bool
	// Base resolves relative media URLs to absolute ones.
	Base *url.URL
	// WikiPath is the wiki's article path prefix, e.g. "/wiki/".
	WikiPath string
	// IsMirrored reports whether a link target stays inside the archive.
	IsMirrored func(title string) bool
	// MediaBase derives the local media file name for an absolute URL;
	// ok=false deletes the referencing element.
	MediaBase func(absURL string) (string, bool)
}

// Result carries the side outputs of a rewrite pass.
type Result struct {
	// MediaURLs lists the absolute media URLs to download, deduplicated
	// within the pass.
	MediaURLs []string
}

var (
	idBlacklist          = []string{"purgelink"}
	classBlacklist       = []string{"noprint", "metadata", "ambox", "stub", "topicon", "magnify", "navbar", "mwe-math-mathml-inline"}
	classBlacklistNoLink = []string{"mainarticle", "seealso", "dablink", "rellink", "hatnote"}
	classDisplayList     = []string{"thumb"}

	displayRe    = regexp.MustCompile(`(?i)display\s*:\s*[^;]*;?`)
	interTagWSRe = regexp.MustCompile(`>\s+<`)
)

// Article rewrites a parsed mobile-sections document in place. Every
// section's text is cleaned; lead image and pronunciation URLs are
// localized the same way as article images.
func Article(doc map[string]any, opt Options) (Result, error) {
	seen := make(map[string]bool)
	var res Result

	for _, part := range []string{"lead", "remaining"} {
		section, _ := doc[part].(map[string]any)
		if section == nil {
			continue
		}
		items, _ := section["sections"].([]any)
		for _, item := range items {
			sec, _ := item.(map[string]any)
			if sec == nil {
				continue
			}
			text, _ := sec["text"].(string)
			if text == "" {
				continue
			}
			cleaned, err := Section(text, opt, seen, &res)
			if err != nil {
				return res, err
			}
			sec["text"] = cleaned
		}
	}

	rewriteLead(doc, opt, seen, &res)
	return res, nil
}

func rewriteLead(doc map[string]any, opt Options, seen map[string]bool, res *Result) {
	lead, _ := doc["lead"].(map[string]any)
	if lead == nil {
		return
	}
	if opt.NoPic {
		delete(lead, "image")
	} else if image, ok := lead["image"].(map[string]any); ok {
		if urls, ok := image["urls"].(map[string]any); ok {
			for key, val := range urls {
				raw, ok := val.(string)
				if !ok {
					continue
				}
				if local, abs, ok := localizeMedia(raw, opt); ok {
					urls[key] = local
					scheduleMedia(abs, seen, res)
				}
			}
		}
	}
	if pron, ok := lead["pronunciation"].(map[string]any); ok {
		if raw, ok := pron["url"].(string); ok {
			if local, abs, ok := localizeMedia(raw, opt); ok {
				pron["url"] = local
				scheduleMedia(abs, seen, res)
			}
		}
	}
}

// Section rewrites one section's HTML. The seen set deduplicates media
// downloads across the sections of a single article.
func Section(html string, opt Options, seen map[string]bool, res *Result) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse section html: %w", err)
	}

	rewriteMedia(doc, opt, seen, res)
	rewriteGeoLinks(doc)
	filterBlacklists(doc)
	if !opt.KeepEmptyParagraphs {
		removeEmptyParagraphs(doc)
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("serialize section html: %w", err)
	}
	if opt.MinifyHTML {
		out = interTagWSRe.ReplaceAllString(out, "> <")
	}
	return out, nil
}

func rewriteMedia(doc *goquery.Document, opt Options, seen map[string]bool, res *Result) {
	if opt.NoPic {
		doc.Find("map").Remove()
		doc.Find("img").Each(func(_ int, img *goquery.Selection) {
			if !isMathImage(img) {
				img.Remove()
			}
		})
	}
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || src == "" || strings.HasPrefix(src, "./Special:FilePath/") {
			return
		}
		local, abs, derived := localizeMedia(src, opt)
		if !derived {
			img.Remove()
			return
		}
		unwrapNonArticleLink(img, opt)
		img.SetAttr("src", local)
		img.RemoveAttr("resource")
		img.RemoveAttr("srcset")
		scheduleMedia(abs, seen, res)
	})
}

// unwrapNonArticleLink removes the enclosing <a> of an image unless the link
// targets a mirrored article.
func unwrapNonArticleLink(img *goquery.Selection, opt Options) {
	link := img.ParentsFiltered("a").First()
	if link.Length() == 0 {
		return
	}
	href, _ := link.Attr("href")
	target := ExtractTargetFromHref(href, opt.WikiPath)
	if target != "" && opt.IsMirrored != nil && opt.IsMirrored(target) {
		return
	}
	link.ReplaceWithSelection(link.Contents())
}

// localizeMedia resolves a media reference to (local path, absolute URL).
func localizeMedia(src string, opt Options) (string, string, bool) {
	abs := resolveURL(opt.Base, src)
	if abs == "" || opt.MediaBase == nil {
		return "", "", false
	}
	base, ok := opt.MediaBase(abs)
	if !ok {
		return "", "", false
	}
	return "m/" + base, abs, true
}

func scheduleMedia(abs string, seen map[string]bool, res *Result) {
	if seen[abs] {
		return
	}
	seen[abs] = true
	res.MediaURLs = append(res.MediaURLs, abs)
}

func resolveURL(base *url.URL, src string) string {
	if strings.HasPrefix(src, "//") {
		scheme := "http"
		if base != nil && base.Scheme != "" {
			scheme = base.Scheme
		}
		return scheme + ":" + src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return src
	}
	if base == nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func isMathImage(img *goquery.Selection) bool {
	if typeOf, _ := img.Attr("typeof"); typeOf == "mw:Extension/math" {
		return true
	}
	class, _ := img.Attr("class")
	for _, c := range strings.Fields(class) {
		if c == "mwe-math-fallback-image-inline" {
			return true
		}
	}
	return false
}

func rewriteGeoLinks(doc *goquery.Document) {
	doc.Find("a, area").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		if geo, ok := TranslateGeoURL(href); ok {
			a.SetAttr("href", geo)
		}
	})
}

func filterBlacklists(doc *goquery.Document) {
	for _, id := range idBlacklist {
		doc.Find("#" + id).Remove()
	}
	for _, class := range classBlacklist {
		doc.Find("." + class).Remove()
	}
	for _, class := range classBlacklistNoLink {
		doc.Find("." + class).Each(func(_ int, s *goquery.Selection) {
			if s.Find("a").Length() == 0 {
				s.Remove()
			}
		})
	}
	for _, class := range classDisplayList {
		doc.Find("." + class).Each(func(_ int, s *goquery.Selection) {
			style, ok := s.Attr("style")
			if !ok {
				return
			}
			cleaned := strings.TrimSpace(displayRe.ReplaceAllString(style, ""))
			if cleaned == "" {
				s.RemoveAttr("style")
				return
			}
			s.SetAttr("style", cleaned)
		})
	}
}

func removeEmptyParagraphs(doc *goquery.Document) {
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if p.Children().Length() == 0 && strings.TrimSpace(p.Text()) == "" {
			p.Remove()
		}
	})
}

// ExtractTargetFromHref parses a link target out of an href: a "./" prefix
// or the wiki base path is dropped and the rest URL-decoded; anything else
// yields the empty string.
func ExtractTargetFromHref(href, basePath string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	path := u.EscapedPath()
	switch {
	case strings.HasPrefix(path, "./"):
		path = strings.TrimPrefix(path, "./")
	case basePath != "" && strings.HasPrefix(path, basePath):
		path = strings.TrimPrefix(path, basePath)
	default:
		return ""
	}
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return ""
	}
	return decoded
}
