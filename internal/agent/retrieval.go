package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

// TypeDataRetrieval is the web retrieval agent.
const TypeDataRetrieval = "data_retrieval"

const (
	searchEndpoint     = "https://html.duckduckgo.com/html/"
	retrievalTimeout   = 30 * time.Second
	retrievalRetries   = 2
	retrievalRetryWait = time.Second
	retrievalUserAgent = "Mozilla/5.0 (compatible; ActoBot/1.0)"

	maxSearchResults = 5
	maxFetchPages    = 3
	maxPageRunes     = 8000
)

const retrievalSystemPrompt = `You are a data-retrieval analyst.
Synthesise the fetched sources into a concise answer to the task.
Cite sources by URL. If the sources do not contain the answer, say so.`

// DataRetrieval fetches web content for the task. A prompt containing a URL
// fetches it directly; anything else becomes a DuckDuckGo HTML search whose
// top results are fetched and synthesised by the model.
type DataRetrieval struct {
	models    *llm.Registry
	client    *resty.Client
	searchURL string
}

// NewDataRetrieval returns the web retrieval agent.
func NewDataRetrieval(models *llm.Registry) *DataRetrieval {
	client := resty.New().
		SetTimeout(retrievalTimeout).
		SetRetryCount(retrievalRetries).
		SetRetryWaitTime(retrievalRetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				var netErr net.Error
				return errors.As(err, &netErr) && netErr.Timeout()
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		}).
		SetHeader("User-Agent", retrievalUserAgent)
	return &DataRetrieval{
		models:    models,
		client:    client,
		searchURL: searchEndpoint,
	}
}

func (a *DataRetrieval) Type() string { return TypeDataRetrieval }

func (a *DataRetrieval) Description() string {
	return "Searches the web or fetches a URL and synthesises the findings"
}

// source is one retrieved document offered to the synthesis step.
type source struct {
	Title   string
	URL     string
	Snippet string
	Text    string
}

var urlPattern = regexp.MustCompile(`https?://[^\s)>"'\]]+`)

func (a *DataRetrieval) Run(ctx context.Context, req *Request) (*Result, error) {
	var (
		sources []source
		err     error
	)
	if target := urlPattern.FindString(req.Task.Prompt); target != "" {
		req.Sink.Log(ctx, core.LogInfo, "Fetching URL", map[string]any{"url": target})
		text, ferr := a.fetchPage(ctx, target)
		if ferr != nil {
			return nil, ferr
		}
		sources = []source{{Title: target, URL: target, Text: text}}
	} else {
		req.Sink.Log(ctx, core.LogInfo, "Searching the web", map[string]any{"query": req.Task.Prompt})
		sources, err = a.searchAndFetch(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if len(sources) == 0 {
		return nil, core.Permanentf("no content retrieved for the task")
	}
	return a.synthesise(ctx, req, sources)
}

func (a *DataRetrieval) searchAndFetch(ctx context.Context, req *Request) ([]source, error) {
	results, err := a.search(ctx, req.Task.Prompt)
	if err != nil {
		return nil, err
	}
	req.Sink.Log(ctx, core.LogInfo, "Search finished", map[string]any{"results": len(results)})

	var sources []source
	for _, r := range results {
		if len(sources) >= maxFetchPages {
			break
		}
		text, err := a.fetchPage(ctx, r.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			req.Sink.Log(ctx, core.LogWarn, "Skipping source", map[string]any{"url": r.URL, "err": err.Error()})
			continue
		}
		r.Text = text
		sources = append(sources, r)
	}

	// When every page fetch failed the snippets still carry signal.
	if len(sources) == 0 {
		for _, r := range results[:min(len(results), maxFetchPages)] {
			if r.Snippet == "" {
				continue
			}
			r.Text = r.Snippet
			sources = append(sources, r)
		}
	}
	return sources, nil
}

func (a *DataRetrieval) search(ctx context.Context, query string) ([]source, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"q": query}).
		Post(a.searchURL)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("search request failed: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, retrievalStatusError("search", resp.StatusCode())
	}
	results, err := parseSearchResults(resp.String(), maxSearchResults)
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("failed to parse search results: %w", err))
	}
	return results, nil
}

func (a *DataRetrieval) fetchPage(ctx context.Context, target string) (string, error) {
	resp, err := a.client.R().SetContext(ctx).Get(target)
	if err != nil {
		return "", core.Transient(fmt.Errorf("fetch %s failed: %w", target, err))
	}
	if resp.StatusCode() != http.StatusOK {
		return "", retrievalStatusError("fetch", resp.StatusCode())
	}
	text := extractText(resp.String())
	if text == "" {
		return "", core.Permanentf("page %s has no extractable text", target)
	}
	return truncateRunes(text, maxPageRunes), nil
}

func (a *DataRetrieval) synthesise(ctx context.Context, req *Request, sources []source) (*Result, error) {
	var b strings.Builder
	b.WriteString(req.Task.Prompt)
	b.WriteString("\n\nFetched sources:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, s.URL, s.Text)
	}

	resp, err := a.models.Complete(ctx, &llm.Request{
		Model:    req.Task.Model,
		System:   systemFor(retrievalSystemPrompt, req.Instructions),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// The raw findings are still worth persisting when synthesis fails.
		req.Sink.Log(ctx, core.LogWarn, "Synthesis failed, returning raw findings", map[string]any{"err": err.Error()})
		return &Result{
			Summary: fmt.Sprintf("Retrieved %d sources", len(sources)),
			Text:    formatSources(sources),
		}, nil
	}
	return &Result{Summary: Summarize(resp.Content), Text: resp.Content}, nil
}

// retrievalStatusError classifies an HTTP status that survived retries.
func retrievalStatusError(op string, code int) error {
	err := fmt.Errorf("%s returned status %d", op, code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return core.Transient(err)
	}
	return core.Permanent(err)
}

func formatSources(sources []source) string {
	var b strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, s.URL)
		if s.Title != "" && s.Title != s.URL {
			b.WriteString(s.Title)
			b.WriteString("\n")
		}
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func parseSearchResults(content string, maxResults int) ([]source, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}

	var results []source
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if isResultNode(n) {
			if s, ok := resultFrom(n); ok {
				results = append(results, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func isResultNode(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Data != "div" {
		return false
	}
	class := attrValue(n, "class")
	return strings.Contains(class, "result") && !strings.Contains(class, "results")
}

func resultFrom(n *html.Node) (source, bool) {
	var s source
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			class := attrValue(node, "class")
			if node.Data == "a" && strings.Contains(class, "result__a") {
				s.Title = textOf(node)
				s.URL = decodeRedirect(attrValue(node, "href"))
			}
			if strings.Contains(class, "result__snippet") {
				s.Snippet = textOf(node)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return s, s.Title != "" && s.URL != ""
}

// decodeRedirect unwraps DuckDuckGo's redirect links, which carry the target
// in the uddg query parameter.
func decodeRedirect(rawURL string) string {
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if uddg := parsed.Query().Get("uddg"); uddg != "" {
		return uddg
	}
	return rawURL
}

var skipElements = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "nav": {}, "footer": {}, "header": {}, "aside": {},
}

// extractText flattens a page to whitespace-normalised text, dropping
// boilerplate elements.
func extractText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skipElements[n.Data]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
