// Package view derives the page of resources an operator sees.
package view

import (
	"strings"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
)

const DefaultPageSize = 25

// Page is one page of a filtered catalog.
type Page struct {
	Items      []catalog.Resource
	Number     int
	Size       int
	TotalPages int
	TotalCount int
}

// Project filters resources on their SearchableText (case-insensitive substring) and cuts out the 1-indexed page.
// A blank term matches everything; any other term is matched as typed, spaces included.
// Pages outside [1, TotalPages] are empty: clamping is up to the caller.
func Project(resources []catalog.Resource, term string, page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	filtered := resources
	if strings.TrimSpace(term) != "" {
		filtered = make([]catalog.Resource, 0, len(resources))
		for _, r := range resources {
			if core.ContainsFold(r.SearchableText, term) {
				filtered = append(filtered, r)
			}
		}
	}

	p := Page{
		Items:      []catalog.Resource{},
		Number:     page,
		Size:       pageSize,
		TotalCount: len(filtered),
		TotalPages: TotalPages(len(filtered), pageSize),
	}
	if page < 1 || page > p.TotalPages {
		return p
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	p.Items = append(p.Items, filtered[start:end]...)
	return p
}

// TotalPages is ceil(count/pageSize), at least 1.
func TotalPages(count, pageSize int) int {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	n := (count + pageSize - 1) / pageSize
	if n < 1 {
		return 1
	}
	return n
}

// Clamp brings page back into [1, totalPages].
func Clamp(page, totalPages int) int {
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}
