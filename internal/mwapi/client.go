package mwapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openzim/mwoffliner/internal/fetch"
)

// Client wraps the wiki's action API and mobile-sections REST endpoint.
type Client struct {
	fetcher *fetch.Fetcher
	base    *url.URL
	apiPath string
	logger  *zap.Logger
}

// New builds a Client against the wiki base URL and api path.
func New(fetcher *fetch.Fetcher, mwURL, apiPath string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(mwURL)
	if err != nil {
		return nil, fmt.Errorf("parse wiki url: %w", err)
	}
	if apiPath == "" {
		apiPath = "w/api.php"
	}
	return &Client{
		fetcher: fetcher,
		base:    base,
		apiPath: apiPath,
		logger:  logger,
	}, nil
}

// Base returns the parsed wiki base URL.
func (c *Client) Base() *url.URL { return c.base }

// APIURL renders an action API URL for the given parameters.
func (c *Client) APIURL(params url.Values) string {
	params.Set("format", "json")
	u := *c.base
	u.Path = "/" + strings.TrimPrefix(c.apiPath, "/")
	u.RawQuery = params.Encode()
	return u.String()
}

// MobileSectionsURL renders the REST path serving an article's sections.
// The title is escaped by hand so the encoded form survives URL rendering.
func (c *Client) MobileSectionsURL(title string) string {
	base := strings.TrimSuffix(c.base.String(), "/")
	return base + "/api/rest_v1/page/mobile-sections/" + url.PathEscape(title)
}

func (c *Client) query(ctx context.Context, params url.Values, out any) error {
	body, _, err := c.fetcher.Fetch(ctx, c.APIURL(params))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode api response: %w", err)
	}
	return nil
}

// SiteInfo fetches the general site metadata and namespace table.
func (c *Client) SiteInfo(ctx context.Context) (SiteInfo, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("meta", "siteinfo")
	params.Set("siprop", "general|namespaces")
	var resp siteInfoResponse
	if err := c.query(ctx, params, &resp); err != nil {
		return SiteInfo{}, fmt.Errorf("siteinfo: %w", err)
	}
	info := SiteInfo{
		MainPage:   resp.Query.General.MainPage,
		SiteName:   resp.Query.General.SiteName,
		Base:       resp.Query.General.Base,
		Lang:       resp.Query.General.Lang,
		Logo:       resp.Query.General.Logo,
		RTL:        resp.Query.General.RTL != nil,
		TextDir:    "ltr",
		Namespaces: make(map[int]Namespace, len(resp.Query.Namespaces)),
	}
	if info.RTL {
		info.TextDir = "rtl"
	}
	for _, ns := range resp.Query.Namespaces {
		info.Namespaces[ns.ID] = Namespace{
			ID:      ns.ID,
			Name:    ns.Name,
			Content: ns.Content != nil,
		}
	}
	return info, nil
}

// AllPages enumerates non-redirect pages of a namespace, one generator batch
// at a time. The returned continuation token is empty on the last batch.
func (c *Client) AllPages(ctx context.Context, namespace int, cont string) ([]PageInfo, string, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("generator", "allpages")
	params.Set("gapfilterredir", "nonredirects")
	params.Set("gapnamespace", strconv.Itoa(namespace))
	params.Set("gaplimit", "max")
	params.Set("prop", "revisions|coordinates")
	if cont != "" {
		params.Set("gapcontinue", cont)
	}
	var resp queryResponse
	if err := c.query(ctx, params, &resp); err != nil {
		return nil, "", fmt.Errorf("allpages ns %d: %w", namespace, err)
	}
	return pagesFromResponse(resp), resp.QueryContinue.AllPages.GapContinue, nil
}

// TitleInfo resolves one title (following redirects) to its latest revision
// and coordinates.
func (c *Client) TitleInfo(ctx context.Context, title string) ([]PageInfo, []Redirect, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("redirects", "")
	params.Set("prop", "revisions|coordinates")
	params.Set("titles", title)
	var resp queryResponse
	if err := c.query(ctx, params, &resp); err != nil {
		return nil, nil, fmt.Errorf("title %q: %w", title, err)
	}
	redirects := make([]Redirect, 0, len(resp.Query.Redirects))
	for _, r := range resp.Query.Redirects {
		redirects = append(redirects, Redirect{From: r.From, To: r.To})
	}
	return pagesFromResponse(resp), redirects, nil
}

// Backlinks lists the redirect titles pointing at a title.
func (c *Client) Backlinks(ctx context.Context, title string) ([]string, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "backlinks")
	params.Set("blfilterredir", "redirects")
	params.Set("bllimit", "max")
	params.Set("bltitle", title)
	var resp queryResponse
	if err := c.query(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("backlinks %q: %w", title, err)
	}
	sources := make([]string, 0, len(resp.Query.Backlinks))
	for _, bl := range resp.Query.Backlinks {
		sources = append(sources, bl.Title)
	}
	return sources, nil
}

// Login performs the two-step token handshake and installs the session
// cookies on the fetcher.
func (c *Client) Login(ctx context.Context, username, password, domain string) error {
	form := map[string]string{
		"action":     "login",
		"format":     "json",
		"lgname":     username,
		"lgpassword": password,
	}
	if domain != "" {
		form["lgdomain"] = domain
	}
	loginURL := c.APIURL(url.Values{"action": []string{"login"}})

	body, _, cookies, err := c.fetcher.Post(ctx, loginURL, form)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	var first loginResponse
	if err := json.Unmarshal(body, &first); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if first.Login.Result != "NeedToken" {
		return fmt.Errorf("unexpected login result %q", first.Login.Result)
	}
	c.fetcher.SetCookies(cookies)

	form["lgtoken"] = first.Login.Token
	body, _, cookies, err = c.fetcher.Post(ctx, loginURL, form)
	if err != nil {
		return fmt.Errorf("login token request: %w", err)
	}
	var second loginResponse
	if err := json.Unmarshal(body, &second); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if second.Login.Result != "Success" {
		return fmt.Errorf("login failed: %s", second.Login.Result)
	}
	c.fetcher.SetCookies(cookies)
	c.logger.Info("logged in", zap.String("user", username))
	return nil
}

func pagesFromResponse(resp queryResponse) []PageInfo {
	pages := make([]PageInfo, 0, len(resp.Query.Pages))
	for _, p := range resp.Query.Pages {
		info := PageInfo{
			Title:   p.Title,
			Missing: p.Missing != nil,
		}
		if len(p.Revisions) > 0 {
			info.Revision = p.Revisions[0].RevID
			if ts, err := time.Parse(time.RFC3339, p.Revisions[0].Timestamp); err == nil {
				info.Timestamp = ts.Unix()
			}
		}
		if len(p.Coordinates) > 0 {
			info.Coords = fmt.Sprintf("%v;%v", p.Coordinates[0].Lat, p.Coordinates[0].Lon)
		}
		pages = append(pages, info)
	}
	return pages
}
