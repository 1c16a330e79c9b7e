// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// NewPage normalizes a page request: numbers below 1 become 1, a missing
// size becomes DefaultPageSize and sizes above MaxPageSize are capped.
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Page{Number: number, Size: size}
}

// ParsePage reads raw query values. Unparsable values fall back to the
// defaults; an explicit size below 1 is raised to 1.
func ParsePage(number, size string) Page {
	n := atoiDefault(number, 1)
	s := atoiDefault(size, DefaultPageSize)
	if s < 1 {
		s = 1
	}
	return NewPage(n, s)
}

// Offset is the number of rows before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of p.Size hold total rows.
func (p Page) TotalPages(total int64) int {
	if p.Size <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
