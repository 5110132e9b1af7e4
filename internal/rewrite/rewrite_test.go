package rewrite

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openzim/mwoffliner/internal/names"
)

func testOptions(noPic bool, mirrored ...string) Options {
	base, _ := url.Parse("https://en.wikipedia.org")
	mirroredSet := make(map[string]bool, len(mirrored))
	for _, m := range mirrored {
		mirroredSet[m] = true
	}
	return Options{
		NoPic:    noPic,
		Base:     base,
		WikiPath: "/wiki/",
		IsMirrored: func(title string) bool {
			return mirroredSet[names.Normalize(title)]
		},
		MediaBase: func(abs string) (string, bool) {
			b, _, ok := names.MediaParts(abs)
			return b, ok
		},
	}
}

func rewriteSection(t *testing.T, html string, opt Options) (string, Result) {
	t.Helper()
	var res Result
	out, err := Section(html, opt, make(map[string]bool), &res)
	require.NoError(t, err)
	return out, res
}

func TestGeoHackTranslation(t *testing.T) {
	t.Parallel()

	geo, ok := TranslateGeoURL("http://tools.wmflabs.org/geohack/geohack.php?params=48.85825_N_2.2945_E_type:landmark")
	require.True(t, ok)
	require.Equal(t, "geo:48.85825,2.2945", geo)
}

func TestGeoHackSemicolonPair(t *testing.T) {
	t.Parallel()

	geo, ok := TranslateGeoURL("http://tools.wmflabs.org/geohack/geohack.php?params=48.858;2.2945_type:landmark")
	require.True(t, ok)
	require.Equal(t, "geo:48.858,2.2945", geo)
}

func TestGeoHackDMS(t *testing.T) {
	t.Parallel()

	geo, ok := TranslateGeoURL("https://tools.wmflabs.org/geohack/geohack.php?params=48_51_29_N_2_17_40_E_type:landmark")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(geo, "geo:48.858"))
	require.True(t, strings.Contains(geo, ",2.294"))
}

func TestGeoHackSouthWestSigns(t *testing.T) {
	t.Parallel()

	geo, ok := TranslateGeoURL("https://tools.wmflabs.org/geohack/geohack.php?params=33.8688_S_151.2093_W")
	require.True(t, ok)
	require.Equal(t, "geo:-33.8688,-151.2093", geo)
}

func TestPoimapTranslation(t *testing.T) {
	t.Parallel()

	geo, ok := TranslateGeoURL("https://wikivoyage.org/w/poimap2.php?lat=48.2&lon=16.37&zoom=12")
	require.True(t, ok)
	require.Equal(t, "geo:48.2,16.37", geo)
}

func TestGeoLinksRewrittenInPlace(t *testing.T) {
	t.Parallel()

	in := `<p><a href="http://tools.wmflabs.org/geohack/geohack.php?params=48.85825_N_2.2945_E_type:landmark">map</a> and <a href="/wiki/Paris">Paris</a></p>`
	out, _ := rewriteSection(t, in, testOptions(false))
	require.Contains(t, out, `href="geo:48.85825,2.2945"`)
	require.Contains(t, out, `href="/wiki/Paris"`)
}

func TestNoPicKeepsMathImages(t *testing.T) {
	t.Parallel()

	in := `<p><a href="./File:Formula"><img class="mwe-math-fallback-image-inline" src="https://wikimedia.org/api/rest_v1/media/math/render/svg/abc123"></a>` +
		`<img src="https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Photo.jpg/300px-Photo.jpg"><map name="m"></map></p>`
	out, res := rewriteSection(t, in, testOptions(true))

	require.Contains(t, out, `src="m/abc123.svg"`)
	require.NotContains(t, out, "Photo.jpg")
	require.NotContains(t, out, "<map")
	require.NotContains(t, out, "<a ")
	require.Equal(t, []string{"https://wikimedia.org/api/rest_v1/media/math/render/svg/abc123"}, res.MediaURLs)
}

func TestImageLinkKeptWhenTargetMirrored(t *testing.T) {
	t.Parallel()

	in := `<p><a href="./Paris"><img src="https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Photo.jpg/300px-Photo.jpg"></a></p>`
	out, _ := rewriteSection(t, in, testOptions(false, "Paris"))
	require.Contains(t, out, "<a ")
	require.Contains(t, out, `src="m/Photo.jpg"`)
}

func TestImageAttributesRewritten(t *testing.T) {
	t.Parallel()

	in := `<p><img src="//upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Photo.jpg/220px-Photo.jpg" srcset="x 2x" resource="./File:Photo.jpg"></p>`
	out, res := rewriteSection(t, in, testOptions(false))
	require.Contains(t, out, `src="m/Photo.jpg"`)
	require.NotContains(t, out, "srcset")
	require.NotContains(t, out, "resource")
	require.Equal(t, []string{"https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/Photo.jpg/220px-Photo.jpg"}, res.MediaURLs)
}

func TestSpecialFilePathImageLeftAlone(t *testing.T) {
	t.Parallel()

	in := `<p><img src="./Special:FilePath/Photo.jpg"></p>`
	out, res := rewriteSection(t, in, testOptions(false))
	require.Contains(t, out, `src="./Special:FilePath/Photo.jpg"`)
	require.Empty(t, res.MediaURLs)
}

func TestUnderivableImageDeleted(t *testing.T) {
	t.Parallel()

	in := `<p><img src="%zz"></p>`
	out, res := rewriteSection(t, in, testOptions(false))
	require.NotContains(t, out, "<img")
	require.Empty(t, res.MediaURLs)
}

func TestClassBlacklist(t *testing.T) {
	t.Parallel()

	in := `<div class="navbar">chrome</div><div class="content">keep</div><span id="purgelink">purge</span>`
	out, _ := rewriteSection(t, in, testOptions(false))
	require.NotContains(t, out, "chrome")
	require.NotContains(t, out, "purge")
	require.Contains(t, out, "keep")
}

func TestConditionalBlacklistKeepsLinkedNodes(t *testing.T) {
	t.Parallel()

	in := `<div class="hatnote"><a href="./See">See also</a></div><div class="hatnote">plain text</div>`
	out, _ := rewriteSection(t, in, testOptions(false))
	require.Contains(t, out, "See also")
	require.NotContains(t, out, "plain text")
}

func TestThumbDisplayCleared(t *testing.T) {
	t.Parallel()

	in := `<div class="thumb" style="display:none;width:20px">x</div>`
	out, _ := rewriteSection(t, in, testOptions(false))
	require.NotContains(t, out, "display")
	require.Contains(t, out, "width:20px")
}

func TestEmptyParagraphsRemoved(t *testing.T) {
	t.Parallel()

	in := `<p>  </p><p>text</p>`
	out, _ := rewriteSection(t, in, testOptions(false))
	require.NotContains(t, out, "<p>  </p>")
	require.Contains(t, out, "text")

	opt := testOptions(false)
	opt.KeepEmptyParagraphs = true
	kept, _ := rewriteSection(t, in, opt)
	require.Contains(t, kept, "<p>  </p>")
}

func TestSectionDeterministic(t *testing.T) {
	t.Parallel()

	in := `<p><a href="./Paris"><img src="https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/P.jpg/300px-P.jpg"></a>` +
		`<div class="hatnote">gone</div><a href="http://tools.wmflabs.org/geohack/geohack.php?params=1_N_2_E">g</a></p>`
	first, _ := rewriteSection(t, in, testOptions(false))
	second, _ := rewriteSection(t, in, testOptions(false))
	require.Equal(t, first, second)
}

func TestExtractTargetFromHref(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		href string
		want string
	}{
		{"dot slash", "./Paris", "Paris"},
		{"wiki path", "/wiki/Paris", "Paris"},
		{"encoded", "./Douglas%20Adams", "Douglas Adams"},
		{"external", "https://example.com/page", ""},
		{"empty", "", ""},
		{"malformed", "http://%zz", ""},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ExtractTargetFromHref(tc.href, "/wiki/"))
		})
	}
}

func TestArticleRewritesSectionsAndLead(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"lead": map[string]any{
			"sections": []any{
				map[string]any{"id": float64(0), "text": `<p><img src="https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/A.jpg/300px-A.jpg"></p>`},
			},
			"image": map[string]any{
				"urls": map[string]any{
					"640": "https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/A.jpg/640px-A.jpg",
				},
			},
			"pronunciation": map[string]any{
				"url": "https://upload.wikimedia.org/wikipedia/commons/a/ab/A.ogg",
			},
		},
		"remaining": map[string]any{
			"sections": []any{
				map[string]any{"id": float64(1), "text": `<p><img src="https://upload.wikimedia.org/wikipedia/commons/thumb/a/ab/A.jpg/300px-A.jpg"></p>`},
			},
		},
	}

	res, err := Article(doc, testOptions(false))
	require.NoError(t, err)

	lead := doc["lead"].(map[string]any)
	text := lead["sections"].([]any)[0].(map[string]any)["text"].(string)
	require.Contains(t, text, `src="m/A.jpg"`)
	require.Equal(t, "m/A.jpg", lead["image"].(map[string]any)["urls"].(map[string]any)["640"])
	require.Equal(t, "m/A.ogg", lead["pronunciation"].(map[string]any)["url"])

	// Duplicate references collapse to one download per URL.
	require.Len(t, res.MediaURLs, 3)
}

func TestArticleNoPicDropsLeadImage(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"lead": map[string]any{
			"sections": []any{},
			"image": map[string]any{
				"urls": map[string]any{"640": "https://upload.wikimedia.org/x/y/A.jpg/640px-A.jpg"},
			},
		},
	}
	_, err := Article(doc, testOptions(true))
	require.NoError(t, err)
	_, hasImage := doc["lead"].(map[string]any)["image"]
	require.False(t, hasImage)
}
