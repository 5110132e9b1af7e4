package zim

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureRunner struct {
	mu       sync.Mutex
	commands [][]string
	err      error
}

func (c *captureRunner) Run(_ context.Context, name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, append([]string{name}, args...))
	return c.err
}

func TestWriteRedirectIndex(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "redirects.idx")
	err := WriteRedirectIndex(path, map[string]string{
		"Paname":   "Paris",
		"Lutece_2": "Paris",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t,
		"A\tLutece_2\tLutece 2\tParis\nA\tPaname\tPaname\tParis\n",
		string(data),
	)
}

func TestWriteHTMLRedirects(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, WriteHTMLRedirects(root, map[string]string{"Paname": "Paris"}))

	data, err := os.ReadFile(filepath.Join(root, "Paname.html"))
	require.NoError(t, err)
	require.Contains(t, string(data), `url=Paris.html`)
}

func TestWriteMainPageRedirect(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, WriteMainPage(root, "Main_Page", nil))

	data, err := os.ReadFile(filepath.Join(root, "index.htm"))
	require.NoError(t, err)
	require.Contains(t, string(data), "url=Main_Page.html")
}

func TestWriteMainPageList(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, WriteMainPage(root, "", []string{"Paris", "Douglas_Adams"}))

	data, err := os.ReadFile(filepath.Join(root, "index.htm"))
	require.NoError(t, err)
	require.Contains(t, string(data), `href="Paris.html"`)
	require.Contains(t, string(data), "Douglas Adams")
}

func TestBuildArgv(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	err := Build(context.Background(), runner, BuildOptions{
		HTMLRoot:      "/tmp/root",
		OutPath:       "/out/wikipedia_en_all_2018-05.zim",
		RedirectIndex: "/tmp/redirects.idx",
		Language:      "en",
		Title:         "Wikipedia",
		Description:   "Offline Wikipedia",
		Creator:       "Wikipedia",
		Publisher:     "Kiwix",
		FullTextIndex: true,
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	require.Equal(t, "zimwriterfs", cmd[0])
	require.Contains(t, cmd, "--welcome")
	require.Contains(t, cmd, "index.htm")
	require.Contains(t, cmd, "--withFullTextIndex")
	require.Contains(t, cmd, "--redirects")
	require.Equal(t, "/out/wikipedia_en_all_2018-05.zim", cmd[len(cmd)-1])
	require.Equal(t, "/tmp/root", cmd[len(cmd)-2])
}

func TestBuildWelcomeOverride(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	err := Build(context.Background(), runner, BuildOptions{
		HTMLRoot: "/tmp/root",
		OutPath:  "/out/x.zim",
		Welcome:  "Main_Page.html",
	}, zap.NewNop())
	require.NoError(t, err)
	require.Contains(t, runner.commands[0], "Main_Page.html")
}

func TestSaveFavicon(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	root := t.TempDir()
	require.NoError(t, SaveFavicon(context.Background(), runner, []byte("pngbytes"), root))

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	require.Equal(t, "convert", cmd[0])
	require.Contains(t, cmd, "-thumbnail")
	require.Contains(t, cmd, "48x48")
	require.Equal(t, filepath.Join(root, "favicon.png"), cmd[len(cmd)-1])
}
