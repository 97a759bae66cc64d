package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Builtin is a tool implemented in-process and available to every agent that names it.
type Builtin struct {
	Schema Schema
	Run    func(ctx context.Context, args map[string]any) (string, error)
}

const (
	visitTimeout  = 15 * time.Second
	visitMaxChars = 8000
	visitMaxBytes = 2 << 20
	userAgent     = "voice-agent/0.1"
)

// LookupBuiltins resolves builtin tool names. Unknown names are an error.
func LookupBuiltins(names []string) ([]Builtin, error) {
	out := make([]Builtin, 0, len(names))
	for _, n := range names {
		switch n {
		case "visit_url":
			out = append(out, VisitURL(nil))
		default:
			return nil, fmt.Errorf("tools: unknown builtin tool %q", n)
		}
	}
	return out, nil
}

// VisitURL fetches a page and returns its readable text. A nil client uses a default one.
func VisitURL(client *http.Client) Builtin {
	if client == nil {
		client = &http.Client{Timeout: visitTimeout}
	}
	return Builtin{
		Schema: Schema{
			Name:        "visit_url",
			Description: "Fetch a web page and return its text content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": `The full URL to visit, e.g. "https://example.com".`,
					},
				},
				"required": []any{"url"},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if strings.TrimSpace(url) == "" {
				return "", fmt.Errorf("missing required argument \"url\"")
			}
			return visit(ctx, client, url)
		},
	}
}

func visit(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, visitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("bad url: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, visitMaxBytes)
	var text string
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text, err = htmlText(body)
	} else {
		var b []byte
		b, err = io.ReadAll(body)
		text = string(b)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return truncate(text, visitMaxChars), nil
}

// htmlText extracts visible text, one block element per line.
func htmlText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapseLines(b.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg", "head":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article":
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg", "head":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "\n\n[truncated]"
}
