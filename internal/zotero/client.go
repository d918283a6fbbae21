// Package zotero is a client for the Zotero Web API v3. It lists collections
// and their items, discovers PDF attachments, and downloads files so a
// library can be mirrored into studies.
package zotero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/acres-platform/tessera/internal/docstore"
)

const (
	// DefaultBaseURL is the hosted Zotero API.
	DefaultBaseURL = "https://api.zotero.org"

	apiVersion    = "3"
	pageLimit     = 100
	clientTimeout = 120 * time.Second
)

// ErrNoFullText is returned when Zotero has no extracted text stored for an
// attachment.
var ErrNoFullText = errors.New("no full text for attachment")

// APIError is a non-200 response from the Zotero API.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("zotero: GET %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("zotero: GET %s: status %d: %s", e.Path, e.Status, e.Body)
}

// Collection is one Zotero collection and its top-level item count.
type Collection struct {
	Key      string
	Name     string
	NumItems int
}

// Item is one bibliographic item or attachment. ContentType is only set on
// attachment children.
type Item struct {
	Key         string
	Title       string
	Abstract    string
	Authors     []string
	DOI         string
	Year        int
	ItemType    string
	URL         string
	ContentType string
}

// Metadata converts the item's bibliographic fields for ingestion. Publisher
// abstracts often arrive with embedded HTML, which is stripped here.
func (it Item) Metadata() docstore.Metadata {
	return docstore.Metadata{
		Title:    it.Title,
		Authors:  it.Authors,
		Year:     it.Year,
		Abstract: StripHTML(it.Abstract),
	}
}

// Client talks to one Zotero user or group library.
type Client struct {
	baseURL     string
	libraryID   string
	libraryType string
	apiKey      string
	httpClient  *http.Client
}

// NewClient creates a client for the given library. baseURL may be empty to
// use the hosted API; libraryType is "user" (the default) or "group".
func NewClient(baseURL, libraryID, libraryType, apiKey string) (*Client, error) {
	if libraryID == "" {
		return nil, errors.New("zotero: library id is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	switch libraryType {
	case "":
		libraryType = "user"
	case "user", "group":
	default:
		return nil, fmt.Errorf("zotero: unknown library type %q", libraryType)
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		libraryID:   libraryID,
		libraryType: libraryType,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: clientTimeout},
	}, nil
}

func (c *Client) libraryPath() string {
	return fmt.Sprintf("%s/%ss/%s", c.baseURL, c.libraryType, c.libraryID)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Zotero-API-Version", apiVersion)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// get fetches one library-relative path and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.libraryPath() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zotero request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getPaged walks a list endpoint in pageLimit batches until a short page.
// The API caps responses well below a whole library, so every listing pages.
func (c *Client) getPaged(ctx context.Context, path string, query url.Values, collect func([]itemEnvelope)) error {
	for start := 0; ; start += pageLimit {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("start", strconv.Itoa(start))

		var page []itemEnvelope
		if err := c.get(ctx, path, q, &page); err != nil {
			return err
		}
		collect(page)
		if len(page) < pageLimit {
			return nil
		}
	}
}

// collectionEnvelope mirrors the API's collection objects.
type collectionEnvelope struct {
	Data struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"data"`
	Meta struct {
		NumItems int `json:"numItems"`
	} `json:"meta"`
}

// itemEnvelope mirrors the API's item objects, bibliographic and attachment
// fields combined.
type itemEnvelope struct {
	Data struct {
		Key          string    `json:"key"`
		Title        string    `json:"title"`
		AbstractNote string    `json:"abstractNote"`
		Creators     []creator `json:"creators"`
		DOI          string    `json:"DOI"`
		Date         string    `json:"date"`
		ItemType     string    `json:"itemType"`
		URL          string    `json:"url"`
		ContentType  string    `json:"contentType"`
	} `json:"data"`
}

type creator struct {
	CreatorType string `json:"creatorType"`
	Name        string `json:"name"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
}

func itemFromEnvelope(env itemEnvelope) Item {
	return Item{
		Key:         env.Data.Key,
		Title:       env.Data.Title,
		Abstract:    env.Data.AbstractNote,
		Authors:     authorNames(env.Data.Creators),
		DOI:         env.Data.DOI,
		Year:        parseYear(env.Data.Date),
		ItemType:    env.Data.ItemType,
		URL:         env.Data.URL,
		ContentType: env.Data.ContentType,
	}
}

// Collections lists every collection in the library.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var out []Collection
	for start := 0; ; start += pageLimit {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("start", strconv.Itoa(start))

		var page []collectionEnvelope
		if err := c.get(ctx, "/collections", q, &page); err != nil {
			return nil, err
		}
		for _, env := range page {
			out = append(out, Collection{
				Key:      env.Data.Key,
				Name:     env.Data.Name,
				NumItems: env.Meta.NumItems,
			})
		}
		if len(page) < pageLimit {
			return out, nil
		}
	}
}

// CollectionItems lists the journal articles of a collection.
func (c *Client) CollectionItems(ctx context.Context, collectionKey string) ([]Item, error) {
	q := url.Values{}
	q.Set("itemType", "journalArticle")

	var out []Item
	err := c.getPaged(ctx, "/collections/"+collectionKey+"/items", q, func(page []itemEnvelope) {
		for _, env := range page {
			out = append(out, itemFromEnvelope(env))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ItemChildren lists an item's child entries. Attachments appear here with
// their content type set.
func (c *Client) ItemChildren(ctx context.Context, itemKey string) ([]Item, error) {
	var out []Item
	err := c.getPaged(ctx, "/items/"+itemKey+"/children", nil, func(page []itemEnvelope) {
		for _, env := range page {
			out = append(out, itemFromEnvelope(env))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ItemPDF downloads the raw file of an attachment. The API answers with a
// redirect to its storage backend, which the client follows; the redirect
// target carries its own authorization.
func (c *Client) ItemPDF(ctx context.Context, attachmentKey string) ([]byte, error) {
	path := "/items/" + attachmentKey + "/file"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.libraryPath()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zotero request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", attachmentKey, err)
	}
	return data, nil
}

// ItemFullText returns the text Zotero itself extracted from an attachment,
// or ErrNoFullText when none is stored.
func (c *Client) ItemFullText(ctx context.Context, attachmentKey string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.get(ctx, "/items/"+attachmentKey+"/fulltext", nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", ErrNoFullText
		}
		return "", err
	}
	return out.Content, nil
}

// authorNames joins creator name parts, keeping authors only. Single-field
// institutional names and split personal names both occur.
func authorNames(creators []creator) []string {
	var names []string
	for _, c := range creators {
		if c.CreatorType != "author" {
			continue
		}
		name := strings.Join(strings.Fields(c.Name+" "+c.FirstName+" "+c.LastName), " ")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseYear pulls the publication year out of Zotero's free-form date field:
// "2015-03-01", "March 2015" and plain "2015" all occur. The first run of
// exactly four digits wins.
func parseYear(date string) int {
	run := 0
	for i, r := range date {
		if r >= '0' && r <= '9' {
			run++
			continue
		}
		if run == 4 {
			y, _ := strconv.Atoi(date[i-4 : i])
			return y
		}
		run = 0
	}
	if run == 4 {
		y, _ := strconv.Atoi(date[len(date)-4:])
		return y
	}
	return 0
}

// StripHTML returns the text content of s with markup removed and entities
// decoded. Abstracts imported from publishers often carry <p> or <jats:p>
// wrappers; block boundaries become single spaces so paragraphs do not run
// together, while inline tags like <i> leave the text untouched.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	var b strings.Builder
	tz := html.NewTokenizer(strings.NewReader(s))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(tz.Text())
		case html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tz.TagName()
			switch string(name) {
			case "p", "div", "br", "li", "jats:p":
				b.WriteByte(' ')
			}
		}
	}
}
