package importer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']?([^"' <>]+)`)

// skippedExtensions are linked assets that are never worth importing
var skippedExtensions = []string{
	".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
	".woff", ".woff2", ".ttf", ".zip", ".gz", ".mp4", ".mp3", ".webp",
}

const maxPageBytes = 2 << 20 // 2 MiB per fetched page

// DiscoverLinks fetches the base page and returns the base URL plus up to
// limit same-host page links found in it, in document order without
// duplicates.
func DiscoverLinks(ctx context.Context, client *http.Client, baseURL string, limit int) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", base.Scheme)
	}

	body, err := fetchPage(ctx, client, baseURL)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{canonical(base): true}
	links := []string{canonical(base)}

	for _, match := range hrefPattern.FindAllStringSubmatch(body, -1) {
		if limit > 0 && len(links) >= limit {
			break
		}
		raw := strings.TrimSpace(match[1])
		if raw == "" || strings.HasPrefix(raw, "#") ||
			strings.HasPrefix(raw, "mailto:") || strings.HasPrefix(raw, "tel:") ||
			strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "data:") {
			continue
		}

		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Host != base.Host {
			continue
		}
		if isSkippedAsset(resolved.Path) {
			continue
		}

		link := canonical(resolved)
		if seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}

	return links, nil
}

func canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

func isSkippedAsset(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func fetchPage(ctx context.Context, client *http.Client, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "Chatforge-Importer/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s returned %d", pageURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	return string(data), nil
}
