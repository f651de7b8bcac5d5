// Package search serves the public research repository listing.
package search

import "context"

// Result is a single repository hit returned to the caller.
type Result struct {
	ID              string   `json:"id"`
	ApplicationID   string   `json:"applicationId"`
	Title           string   `json:"title"`
	Snippet         string   `json:"snippet"`
	Keywords        []string `json:"keywords"`
	PublicationYear int      `json:"publicationYear"`
	Institution     string   `json:"institution"`
	ProgramArea     string   `json:"programArea,omitempty"`
	Restricted      bool     `json:"restricted"`
}

// Query describes a search request. An empty Text lists the newest items.
type Query struct {
	Text              string
	PublicationYear   int
	Institution       string
	Limit             int
	Offset            int
	IncludeRestricted bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a repository search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RepositoryRecord is the data we index for a published item. Only
// public_visible items are ever indexed.
type RepositoryRecord struct {
	ID              string   `json:"id"`
	ApplicationID   string   `json:"applicationId"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	Keywords        []string `json:"keywords"`
	PublicationYear int      `json:"publicationYear"`
	Institution     string   `json:"institution"`
	ProgramArea     string   `json:"programArea"`
	Restricted      bool     `json:"restricted"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
