// Package scraper extracts job postings from rendered Seekube listing pages.
package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"seekube-notifier/pkg/notifier"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultTitle is used when neither the link nor its card carries text.
const DefaultTitle = "Seekube job"

// cardSelector matches the containers whose text stands in for an empty link.
const cardSelector = `article, [class*="card"]`

var (
	whitespace = regexp.MustCompile(`\s+`)
	pageParam  = regexp.MustCompile(`([?&])page=\d+`)
)

// Extractor finds posting links on a listing page.
type Extractor struct {
	pattern *regexp.Regexp
}

// New creates an extractor for links whose path matches pattern.
func New(pattern *regexp.Regexp) *Extractor {
	return &Extractor{pattern: pattern}
}

// Extract returns the postings linked from page content. Relative links are
// resolved against pageURL, the URL the browser actually ended up on.
// Postings are unique by URL and keep the position of their first link;
// when a URL is linked more than once, the last link's title wins.
// An empty result is valid and means the page lists nothing.
func (e *Extractor) Extract(pageURL, content string) ([]*notifier.Posting, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var postings []*notifier.Posting
	index := make(map[string]int)

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || !e.pattern.MatchString(href) {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()

		p := &notifier.Posting{ID: abs, Title: linkTitle(a), URL: abs}
		if i, ok := index[abs]; ok {
			postings[i] = p
			return
		}
		index[abs] = len(postings)
		postings = append(postings, p)
	})

	return postings, nil
}

func linkTitle(a *goquery.Selection) string {
	title := collapse(a.Text())
	if title == "" {
		title = collapse(a.ParentsFiltered(cardSelector).First().Text())
	}
	if title == "" {
		title = DefaultTitle
	}
	return title
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// PageURL returns base pointed at page n. An existing page parameter is
// replaced in place; otherwise one is appended. All other parts of the URL
// are kept byte for byte.
func PageURL(base string, n int) string {
	num := strconv.Itoa(n)
	if pageParam.MatchString(base) {
		return pageParam.ReplaceAllString(base, "${1}page="+num)
	}

	fragment := ""
	if i := strings.Index(base, "#"); i >= 0 {
		base, fragment = base[:i], base[i:]
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "page=" + num + fragment
}
