package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Wiki: WikiConfig{
			URL:        "https://en.wikipedia.org",
			WikiPath:   "wiki",
			APIPath:    "w/api.php",
			AdminEmail: "admin@example.com",
		},
		HTTP: HTTPConfig{TimeoutSeconds: 60},
		Run:  RunConfig{Speed: 1},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())
}

func TestValidateRequiresWikiURL(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Wiki.URL = ""
	require.Error(t, cfg.Validate())
}

func TestValidateAdminEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		email string
		ok    bool
	}{
		{"plain", "admin@example.com", true},
		{"display name", "Admin <admin@example.com>", true},
		{"empty", "", false},
		{"no at", "admin.example.com", false},
		{"no domain dot", "admin@localhost", false},
		{"garbage", "not an email", false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Wiki.AdminEmail = tc.email
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestValidateTimeoutAndSpeed(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.HTTP.TimeoutSeconds = 0
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Run.Speed = 0
	require.Error(t, cfg.Validate())
}

func TestVariantsParsing(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Zim.Formats = []string{"", "nopic", "nopic,nozim"}
	variants, err := cfg.Variants()
	require.NoError(t, err)
	require.Equal(t, []Variant{
		{},
		{NoPic: true},
		{NoPic: true, NoZim: true},
	}, variants)

	cfg.Zim.Formats = []string{"novideo"}
	_, err = cfg.Variants()
	require.Error(t, err)
}

func TestVariantsDefaultToPlainDump(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	variants, err := cfg.Variants()
	require.NoError(t, err)
	require.Equal(t, []Variant{{}}, variants)
}

func TestVariantString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "default", Variant{}.String())
	require.Equal(t, "nopic", Variant{NoPic: true}.String())
	require.Equal(t, "nopic,nozim", Variant{NoPic: true, NoZim: true}.String())
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.Equal(t, "MWOffliner/"+Version+" (admin@example.com)", cfg.UserAgent())
}

func TestRequiredBinaries(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.Contains(t, cfg.RequiredBinaries(), "zimwriterfs")

	cfg.Zim.Formats = []string{"nozim"}
	require.NotContains(t, cfg.RequiredBinaries(), "zimwriterfs")
	require.Contains(t, cfg.RequiredBinaries(), "jpegoptim")
	require.Contains(t, cfg.RequiredBinaries(), "file")
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
wiki:
  url: https://en.wikipedia.org
  admin_email: admin@example.com
run:
  article_list: /tmp/titles.lst
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "wiki", cfg.Wiki.WikiPath)
	require.Equal(t, "w/api.php", cfg.Wiki.APIPath)
	require.Equal(t, 60, cfg.HTTP.TimeoutSeconds)
	require.Equal(t, 1, cfg.Run.Speed)
	require.Equal(t, "/tmp/titles.lst", cfg.Run.ArticleList)
	require.Equal(t, "Kiwix", cfg.Zim.Publisher)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
wiki:
  url: https://en.wikipedia.org
  admin_email: not-an-email
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSpeedScalesWithCPUs(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Run.Speed = 2
	require.Equal(t, 2*cpuCount(t), cfg.Speed())
}

func cpuCount(t *testing.T) int {
	t.Helper()
	cfg := validConfig()
	cfg.Run.Speed = 1
	return cfg.Speed()
}
