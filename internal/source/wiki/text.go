package wiki

import (
	"strings"

	"golang.org/x/net/html"
)

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	// Confluence macro parameters are configuration, not prose.
	"ac:parameter": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "table": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "br": true, "blockquote": true, "pre": true,
}

// storageToText renders wiki storage-format HTML as plain Markdown-ish text:
// headings keep their level, list items become bullets, table cells are
// separated by " | ".
func storageToText(storage string) (string, error) {
	doc, err := html.Parse(strings.NewReader(storage))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var last byte
	write := func(s string) {
		if s != "" {
			b.WriteString(s)
			last = s[len(s)-1]
		}
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if skipTags[tag] {
				return
			}
			switch tag {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				write("\n" + strings.Repeat("#", int(tag[1]-'0')) + " ")
			case "li":
				write("\n- ")
			case "td", "th":
				write(" | ")
			case "p", "div", "blockquote", "pre":
				write("\n")
			}
		}
		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if last != 0 && last != ' ' && last != '\n' {
					write(" ")
				}
				write(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[strings.ToLower(n.Data)] {
			write("\n")
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n")), nil
}
