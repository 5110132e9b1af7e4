// Package zim produces the archive-builder inputs: the redirect index, the
// main page, the favicon and the zimwriterfs invocation itself.
package zim

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/names"
)

// Runner executes external commands with argv semantics.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// WriteRedirectIndex serializes the run's redirects, one TAB-separated line
// per entry, sorted by source for stable output.
func WriteRedirectIndex(path string, redirects map[string]string) error {
	sources := make([]string, 0, len(redirects))
	for src := range redirects {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	var sb strings.Builder
	for _, src := range sources {
		sb.WriteString(names.RedirectLine(src, redirects[src]))
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write redirect index: %w", err)
	}
	return nil
}

// WriteHTMLRedirects materializes each redirect as a meta-refresh page
// instead of an index entry.
func WriteHTMLRedirects(htmlRoot string, redirects map[string]string) error {
	for src, dst := range redirects {
		body := fmt.Sprintf(
			"<html><head><meta charset=\"UTF-8\" /><meta http-equiv=\"refresh\" content=\"0; url=%s.html\" /></head><body></body></html>",
			html.EscapeString(names.ArticleBase(dst)),
		)
		path := filepath.Join(htmlRoot, names.ArticleFilename(src))
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return fmt.Errorf("write html redirect for %q: %w", src, err)
		}
	}
	return nil
}

// WriteMainPage writes index.htm: a redirect to the configured main page
// when one is set, otherwise a plain list of every mirrored article.
func WriteMainPage(htmlRoot, mainPage string, titles []string) error {
	var sb strings.Builder
	if mainPage != "" {
		sb.WriteString(fmt.Sprintf(
			"<html><head><meta charset=\"UTF-8\" /><meta http-equiv=\"refresh\" content=\"0; url=%s.html\" /></head><body></body></html>",
			html.EscapeString(names.ArticleBase(mainPage)),
		))
	} else {
		sb.WriteString("<html><head><meta charset=\"UTF-8\" /></head><body><ul>")
		for _, title := range titles {
			sb.WriteString(fmt.Sprintf(
				"<li><a href=\"%s.html\">%s</a></li>",
				html.EscapeString(names.ArticleBase(title)),
				html.EscapeString(strings.ReplaceAll(title, "_", " ")),
			))
		}
		sb.WriteString("</ul></body></html>")
	}
	if err := os.WriteFile(filepath.Join(htmlRoot, "index.htm"), []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write main page: %w", err)
	}
	return nil
}

// SaveFavicon writes the wiki's logo as a 48x48 favicon.png via convert.
func SaveFavicon(ctx context.Context, runner Runner, raw []byte, htmlRoot string) error {
	tmp := filepath.Join(htmlRoot, "favicon.tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write favicon source: %w", err)
	}
	defer os.Remove(tmp)
	out := filepath.Join(htmlRoot, "favicon.png")
	if err := runner.Run(ctx, "convert", tmp, "-thumbnail", "48x48", out); err != nil {
		return fmt.Errorf("resize favicon: %w", err)
	}
	return nil
}

// BuildOptions parameterizes one zimwriterfs invocation.
type BuildOptions struct {
	HTMLRoot      string
	OutPath       string
	RedirectIndex string
	// Welcome is the mirrored main page's file name (article base plus
	// .html) when configured, else index.htm.
	Welcome       string
	Language      string
	Title         string
	Description   string
	Creator       string
	Publisher     string
	FullTextIndex bool
}

// Build invokes zimwriterfs; a non-zero exit is fatal to the run.
func Build(ctx context.Context, runner Runner, opts BuildOptions, logger *zap.Logger) error {
	welcome := opts.Welcome
	if welcome == "" {
		welcome = "index.htm"
	}
	args := []string{
		"--welcome", welcome,
		"--favicon", "favicon.png",
		"--language", opts.Language,
		"--title", opts.Title,
		"--description", opts.Description,
		"--creator", opts.Creator,
		"--publisher", opts.Publisher,
	}
	if opts.FullTextIndex {
		args = append(args, "--withFullTextIndex")
	}
	if opts.RedirectIndex != "" {
		args = append(args, "--redirects", opts.RedirectIndex)
	}
	args = append(args, opts.HTMLRoot, opts.OutPath)

	logger.Info("building archive", zap.String("out", opts.OutPath))
	if err := runner.Run(ctx, "zimwriterfs", args...); err != nil {
		return fmt.Errorf("zimwriterfs: %w", err)
	}
	return nil
}
