// Package mwapi is the thin MediaWiki API client the crawl pipeline drives.
package mwapi

// SiteInfo carries the general siteinfo fields and namespace table of the
// source wiki.
type SiteInfo struct {
	MainPage  string
	SiteName  string
	Base      string
	Lang      string
	RTL       bool
	Logo      string
	TextDir   string
	Namespaces map[int]Namespace
}

// Namespace describes one wiki namespace.
type Namespace struct {
	ID      int
	Name    string
	Content bool
}

// PageInfo is one enumerated title with its latest revision and optional
// coordinates.
type PageInfo struct {
	Title     string
	Revision  int64
	Timestamp int64
	// Coords is "lat;lon" when the article is geo-tagged.
	Coords  string
	Missing bool
}

// Redirect records one title normalization or redirect resolution returned
// alongside a query.
type Redirect struct {
	From string
	To   string
}

type siteInfoResponse struct {
	Query struct {
		General struct {
			MainPage string  `json:"mainpage"`
			SiteName string  `json:"sitename"`
			Base     string  `json:"base"`
			Lang     string  `json:"lang"`
			Logo     string  `json:"logo"`
			RTL      *string `json:"rtl"`
		} `json:"general"`
		Namespaces map[string]struct {
			ID      int     `json:"id"`
			Name    string  `json:"*"`
			Content *string `json:"content"`
		} `json:"namespaces"`
	} `json:"query"`
}

type queryResponse struct {
	Query struct {
		Pages map[string]struct {
			Title     string `json:"title"`
			Missing   *string `json:"missing"`
			Revisions []struct {
				RevID     int64  `json:"revid"`
				Timestamp string `json:"timestamp"`
			} `json:"revisions"`
			Coordinates []struct {
				Lat float64 `json:"lat"`
				Lon float64 `json:"lon"`
			} `json:"coordinates"`
		} `json:"pages"`
		Redirects []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"redirects"`
		Backlinks []struct {
			Title string `json:"title"`
		} `json:"backlinks"`
	} `json:"query"`
	QueryContinue struct {
		AllPages struct {
			GapContinue string `json:"gapcontinue"`
		} `json:"allpages"`
	} `json:"query-continue"`
}

type loginResponse struct {
	Login struct {
		Result string `json:"result"`
		Token  string `json:"token"`
	} `json:"login"`
}
