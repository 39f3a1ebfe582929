package kvblog

import (
	"encoding/xml"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/kvblog/content"
)

type rssXML struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description,omitempty"`
	PubDate     string   `xml:"pubDate,omitempty"`
	GUID        string   `xml:"guid"`
	Categories  []string `xml:"category"`
}

// newestFirst orders posts by date descending. Posts with equal or missing
// dates keep reverse index order, so the latest publish comes first.
func newestFirst(posts []content.Summary) []content.Summary {
	out := slices.Clone(posts)
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		ti, iok := out[i].Meta.Time()
		tj, jok := out[j].Meta.Time()
		if iok != jok {
			return iok
		}
		return ti.After(tj)
	})
	return out
}

func (a *App) handleFeed(c echo.Context) error {
	posts, err := a.Cache.ListPosts(c.Request().Context(), c.QueryParam("tag"))
	if err != nil {
		return err
	}
	return a.renderRSS(c, newestFirst(posts))
}

func (a *App) renderRSS(c echo.Context, posts []content.Summary) error {
	base := a.Config.URL
	items := make([]rssItem, 0, len(posts))
	for _, p := range posts {
		pubDate := ""
		if t, ok := p.Meta.Time(); ok {
			pubDate = t.Format(time.RFC1123Z)
		}
		postURL := BuildURL(base, p.Slug)
		items = append(items, rssItem{
			Title:       p.Meta.TitleOr(p.Slug),
			Link:        postURL,
			Description: p.Meta.Excerpt,
			PubDate:     pubDate,
			GUID:        postURL,
			Categories:  p.Meta.Tags,
		})
	}
	feed := rssXML{
		Version: "2.0",
		Channel: rssChannel{
			Title:       a.Config.Name,
			Link:        base,
			Description: a.Config.Description,
			Items:       items,
		},
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/rss+xml; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Write([]byte(xml.Header))
	return xml.NewEncoder(c.Response()).Encode(feed)
}
