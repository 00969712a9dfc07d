// Package opml imports and exports podcast subscriptions as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robertmeta/podcaster/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a podcast, or a folder of them.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns one subscription per outline with
// an xmlUrl, in document order. Folders are flattened. Duplicate feed URLs
// are dropped.
func Parse(r io.Reader) ([]model.Subscription, error) {
	var doc OPML
	decoder := xml.NewDecoder(r)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	seen := make(map[string]bool)
	return collect(doc.Body.Outlines, seen, nil), nil
}

func collect(outlines []Outline, seen map[string]bool, subs []model.Subscription) []model.Subscription {
	for _, o := range outlines {
		if feedURL := strings.TrimSpace(o.XMLUrl); feedURL != "" && !seen[feedURL] {
			seen[feedURL] = true
			title := o.Title
			if title == "" {
				title = o.Text
			}
			subs = append(subs, model.Subscription{FeedURL: feedURL, Title: strings.TrimSpace(title)})
		}
		subs = collect(o.Outlines, seen, subs)
	}
	return subs
}

// Generate writes subscriptions as an OPML 2.0 document.
func Generate(w io.Writer, subs []model.Subscription) error {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "podcaster subscriptions",
			DateCreated: time.Now().Format(time.RFC1123),
		},
		Body: Body{
			Outlines: make([]Outline, 0, len(subs)),
		},
	}

	for _, s := range subs {
		text := s.Title
		if text == "" {
			text = s.FeedURL
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Type:   "rss",
			Text:   text,
			Title:  s.Title,
			XMLUrl: s.FeedURL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}
