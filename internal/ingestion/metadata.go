package ingestion

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Descriptor holds the provenance inferred from a document location. Explicit
// values given by the caller take precedence over inferred ones.
type Descriptor struct {
	// DocumentID is a stable id derived from the location, so re-ingesting
	// the same location targets the same document.
	DocumentID string
	// FileName is the last path segment, or the host for bare URLs.
	FileName string
	// SourceURL is the location when it is an http(s) URL, else empty.
	SourceURL string
	// DocType classifies the content (markdown, html, text, pdf, json).
	DocType string
}

// docTypesByExt maps file extensions to a DocType label.
var docTypesByExt = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".html":     "html",
	".htm":      "html",
	".txt":      "text",
	".text":     "text",
	".pdf":      "pdf",
	".json":     "json",
	".rst":      "text",
}

// Describe infers a Descriptor from a URL or a local file path. It never
// fails: unparseable input yields a descriptor keyed on the raw string.
func Describe(location string) Descriptor {
	d := Descriptor{DocType: "text"}
	location = strings.TrimSpace(location)
	if location == "" {
		return d
	}

	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		d.SourceURL = u.String()
		d.DocumentID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.SourceURL)).String()
		segments := trimSegments(u.Path)
		if len(segments) > 0 {
			name := segments[len(segments)-1]
			if unescaped, err := url.PathUnescape(name); err == nil {
				name = unescaped
			}
			d.FileName = name
		} else {
			d.FileName = strings.ToLower(u.Hostname())
		}
		d.DocType = docType(path.Ext(d.FileName), "html")
		return d
	}

	abs, err := filepath.Abs(location)
	if err != nil {
		abs = location
	}
	d.DocumentID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
	d.FileName = filepath.Base(abs)
	d.DocType = docType(filepath.Ext(abs), "text")
	return d
}

// docType maps ext to a DocType, or fallback when unknown.
func docType(ext, fallback string) string {
	if t, ok := docTypesByExt[strings.ToLower(ext)]; ok {
		return t
	}
	return fallback
}

// trimSegments splits a URL path into non-empty segments.
func trimSegments(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
