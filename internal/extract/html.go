package extract

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Elements that never carry document text.
var droppedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "aside": true, "iframe": true,
	"form": true, "button": true,
}

type htmlResult struct {
	title    string
	markdown string
}

type htmlConverter struct {
	converter *md.Converter
}

func newHTMLConverter() *htmlConverter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &htmlConverter{converter: conv}
}

func (c *htmlConverter) convert(content []byte) (htmlResult, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return htmlResult{}, err
	}
	title := findTitle(doc)

	root := findElement(doc, "main")
	if root == nil {
		root = findElement(doc, "article")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}
	stripElements(root)

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return htmlResult{}, err
	}
	markdown, err := c.converter.ConvertString(sb.String())
	if err != nil {
		return htmlResult{}, err
	}
	markdown = cleanMarkdown(markdown)
	if title == "" {
		title = markdownTitle(markdown)
	}
	return htmlResult{title: title, markdown: markdown}, nil
}

func findTitle(n *html.Node) string {
	t := findElement(n, "title")
	if t == nil || t.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(t.FirstChild.Data)
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func stripElements(n *html.Node) {
	var remove []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && droppedElements[c.Data] {
			remove = append(remove, c)
			continue
		}
		stripElements(c)
	}
	for _, c := range remove {
		n.RemoveChild(c)
	}
}

func cleanMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessiveLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
