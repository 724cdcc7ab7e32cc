package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrPaginationLoop is returned when a next link points at a page already visited
var ErrPaginationLoop = errors.New("pagination revisits a page")

// nextPageURL extracts the URL of the rel="next" entry from a Link header
// such as: <https://api.github.com/repositories/1/issues?page=2>; rel="next", <...>; rel="last"
func nextPageURL(linkHeader string) (string, bool) {
	for _, link := range strings.Split(linkHeader, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(link), ";")
		if !ok {
			continue
		}
		target = strings.TrimSpace(target)
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
				if rel == "next" {
					return target[1 : len(target)-1], true
				}
			}
		}
	}
	return "", false
}

// WalkPages fetches url and every page after it, following the Link header,
// and returns the decoded items of all pages in order
func WalkPages[T any](ctx context.Context, f *Fetcher, url string) ([]T, error) {
	var all []T
	visited := make(map[string]bool)

	for page := 1; ; page++ {
		visited[url] = true

		resp, err := f.Get(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}

		var items []T
		if err := json.Unmarshal(resp.Body, &items); err != nil {
			return nil, fmt.Errorf("failed to decode page %d from %s: %w", page, url, err)
		}
		all = append(all, items...)

		next, ok := nextPageURL(resp.Header.Get("Link"))
		if !ok {
			return all, nil
		}
		if visited[next] {
			return nil, fmt.Errorf("%w: %s", ErrPaginationLoop, next)
		}
		url = next
	}
}
