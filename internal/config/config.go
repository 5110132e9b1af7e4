// Package config loads and validates mwoffliner configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Version identifies the tool in the outgoing User-Agent header.
const Version = "1.2.0"

// Config captures all dump configuration knobs loaded via Viper.
type Config struct {
	Wiki WikiConfig `mapstructure:"wiki"`
	Zim  ZimConfig  `mapstructure:"zim"`
	Dirs DirsConfig `mapstructure:"dirs"`
	HTTP HTTPConfig `mapstructure:"http"`
	Run  RunConfig  `mapstructure:"run"`
}

// WikiConfig identifies the source wiki and how to talk to it.
type WikiConfig struct {
	URL        string `mapstructure:"url"`
	WikiPath   string `mapstructure:"wiki_path"`
	APIPath    string `mapstructure:"api_path"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Domain     string `mapstructure:"domain"`
	AdminEmail string `mapstructure:"admin_email"`
	ParsoidURL string `mapstructure:"parsoid_url"`
}

// ZimConfig controls the produced archive's metadata and variants.
type ZimConfig struct {
	Favicon            string   `mapstructure:"favicon"`
	Title              string   `mapstructure:"title"`
	Description        string   `mapstructure:"description"`
	MainPage           string   `mapstructure:"main_page"`
	Publisher          string   `mapstructure:"publisher"`
	FilenamePrefix     string   `mapstructure:"filename_prefix"`
	Formats            []string `mapstructure:"formats"`
	FullTextIndex      bool     `mapstructure:"full_text_index"`
	WriteHTMLRedirects bool     `mapstructure:"write_html_redirects"`
}

// DirsConfig sets the on-disk roots used by a run.
type DirsConfig struct {
	Cache  string `mapstructure:"cache"`
	Tmp    string `mapstructure:"tmp"`
	Output string `mapstructure:"output"`
}

// HTTPConfig configures HTTP client behavior.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RunConfig governs crawl pipeline behavior for a single run.
type RunConfig struct {
	ArticleList         string `mapstructure:"article_list"`
	Speed               int    `mapstructure:"speed"`
	Resume              bool   `mapstructure:"resume"`
	Verbose             bool   `mapstructure:"verbose"`
	DeflateTmpHTML      bool   `mapstructure:"deflate_tmp_html"`
	KeepHTML            bool   `mapstructure:"keep_html"`
	KeepEmptyParagraphs bool   `mapstructure:"keep_empty_paragraphs"`
	MinifyHTML          bool   `mapstructure:"minify_html"`
	SkipHTMLCache       bool   `mapstructure:"skip_html_cache"`
	SkipCacheCleaning   bool   `mapstructure:"skip_cache_cleaning"`
	RedisSocket         string `mapstructure:"redis_socket"`
	StatusPort          int    `mapstructure:"status_port"`
}

// Variant selects one dump flavor out of {nopic, nozim}.
type Variant struct {
	NoPic bool
	NoZim bool
}

// String renders the variant the way it appears in filenames.
func (v Variant) String() string {
	parts := []string{}
	if v.NoPic {
		parts = append(parts, "nopic")
	}
	if v.NoZim {
		parts = append(parts, "nozim")
	}
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, ",")
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MWOFFLINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wiki.wiki_path", "wiki")
	v.SetDefault("wiki.api_path", "w/api.php")
	v.SetDefault("zim.formats", []string{""})
	v.SetDefault("zim.publisher", "Kiwix")
	v.SetDefault("dirs.cache", "cac")
	v.SetDefault("dirs.tmp", "tmp")
	v.SetDefault("dirs.output", "out")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("run.speed", 1)
	v.SetDefault("run.status_port", 8080)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Wiki.URL == "" {
		return fmt.Errorf("wiki.url is required")
	}
	if _, err := url.Parse(c.Wiki.URL); err != nil {
		return fmt.Errorf("wiki.url is not a valid URL: %w", err)
	}
	if err := validateEmail(c.Wiki.AdminEmail); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Run.Speed <= 0 {
		return fmt.Errorf("run.speed must be > 0")
	}
	if _, err := c.Variants(); err != nil {
		return err
	}
	return nil
}

func validateEmail(addr string) error {
	if addr == "" {
		return fmt.Errorf("wiki.admin_email is required")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("wiki.admin_email %q is not a valid address: %w", addr, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at < 1 || !strings.Contains(parsed.Address[at+1:], ".") {
		return fmt.Errorf("wiki.admin_email %q is not a valid address", addr)
	}
	return nil
}

// Variants parses zim.formats into the dump variant list. Each entry is a
// comma-separated subset of {nopic, nozim}; the empty entry is the plain dump.
func (c Config) Variants() ([]Variant, error) {
	formats := c.Zim.Formats
	if len(formats) == 0 {
		formats = []string{""}
	}
	variants := make([]Variant, 0, len(formats))
	for _, f := range formats {
		var v Variant
		for _, part := range strings.Split(f, ",") {
			switch strings.TrimSpace(part) {
			case "":
			case "nopic":
				v.NoPic = true
			case "nozim":
				v.NoZim = true
			default:
				return nil, fmt.Errorf("zim.formats entry %q: unknown flag %q", f, part)
			}
		}
		variants = append(variants, v)
	}
	return variants, nil
}

// Speed returns the article-queue width: cpuCount times the configured
// multiplier. The redirect and media queues scale from this value.
func (c Config) Speed() int {
	return runtime.NumCPU() * c.Run.Speed
}

// UserAgent renders the User-Agent header attached to every request.
func (c Config) UserAgent() string {
	return fmt.Sprintf("MWOffliner/%s (%s)", Version, c.Wiki.AdminEmail)
}

// RequiredBinaries lists the external tools a run will shell out to.
// zimwriterfs is only needed when at least one variant produces an archive.
func (c Config) RequiredBinaries() []string {
	bins := []string{"jpegoptim", "pngquant", "gifsicle", "advdef", "file", "stat", "convert"}
	variants, err := c.Variants()
	if err != nil {
		return bins
	}
	for _, v := range variants {
		if !v.NoZim {
			return append(bins, "zimwriterfs")
		}
	}
	return bins
}

// CheckBinaries resolves every required binary on PATH; absence is fatal to
// the caller.
func (c Config) CheckBinaries() error {
	for _, bin := range c.RequiredBinaries() {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required binary %q not found: %w", bin, err)
		}
	}
	return nil
}
