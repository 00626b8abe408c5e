// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"io"
	"net/http"
	"regexp"
	"strings"
)

// LinkPreview is the metadata scraped from the first URL in a text
// message body.
type LinkPreview struct {
	URL          string
	CanonicalURL string
	Title        string
	Description  string
	Thumbnail    []byte
}

const (
	previewBodyLimit  = 512 << 10
	previewThumbLimit = 64 << 10
)

var (
	urlPattern = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}(:\d+)?(/\S*)?`)

	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaPattern  = regexp.MustCompile(`(?is)<meta\s[^>]*>`)
	attrPattern  = regexp.MustCompile(`(?is)(property|name|content)\s*=\s*"([^"]*)"`)
)

// fetchLinkPreview resolves a preview for the first https URL in the
// text, best effort: any failure yields nil and the message goes out
// without a preview.
func (r *Relayer) fetchLinkPreview(text string) *LinkPreview {
	target := urlPattern.FindString(text)
	if target == "" {
		return nil
	}

	body, finalURL, err := fetchLimited(r.preview, target, previewBodyLimit)
	if err != nil {
		r.log.Debugf("link preview for %s failed: %v", target, err)
		return nil
	}

	preview := &LinkPreview{URL: target, CanonicalURL: finalURL}
	parsePreviewHTML(preview, string(body))
	if preview.Title == "" && preview.Description == "" {
		return nil
	}

	if imageURL := previewImageURL(string(body)); imageURL != "" {
		if thumb, _, err := fetchLimited(r.preview, imageURL, previewThumbLimit); err == nil {
			preview.Thumbnail = thumb
		}
	}
	return preview
}

func fetchLimited(client *http.Client, target string, limit int64) ([]byte, string, error) {
	resp, err := client.Get(target)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Request.URL.String(), nil
}

func parsePreviewHTML(preview *LinkPreview, body string) {
	if m := titlePattern.FindStringSubmatch(body); m != nil {
		preview.Title = strings.TrimSpace(m[1])
	}
	for _, meta := range metaPattern.FindAllString(body, -1) {
		var key, content string
		for _, attr := range attrPattern.FindAllStringSubmatch(meta, -1) {
			switch strings.ToLower(attr[1]) {
			case "property", "name":
				key = strings.ToLower(attr[2])
			case "content":
				content = attr[2]
			}
		}
		switch key {
		case "og:title":
			preview.Title = content
		case "og:description", "description":
			if preview.Description == "" || key == "og:description" {
				preview.Description = content
			}
		}
	}
}

func previewImageURL(body string) string {
	for _, meta := range metaPattern.FindAllString(body, -1) {
		var key, content string
		for _, attr := range attrPattern.FindAllStringSubmatch(meta, -1) {
			switch strings.ToLower(attr[1]) {
			case "property", "name":
				key = strings.ToLower(attr[2])
			case "content":
				content = attr[2]
			}
		}
		if key == "og:image" && strings.HasPrefix(content, "https://") {
			return content
		}
	}
	return ""
}
