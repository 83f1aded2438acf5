package ap

import (
	"strings"

	"golang.org/x/net/html"
)

// blockBreak maps tags to the separator inserted at their open boundary
// when federated Note markup is flattened for storage. List items become
// dashes so threaded replies with lists stay readable as plain text.
var blockBreak = map[string]string{
	"p":          "\n\n",
	"div":        "\n\n",
	"blockquote": "\n\n",
	"br":         "\n",
	"li":         "\n- ",
}

// CommentText flattens a Note body (or local comment input) into the plain
// text the comments table stores: tags dropped, entity references decoded,
// block boundaries preserved as line breaks. script/style subtrees
// contribute nothing.
func CommentText(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var sb strings.Builder
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseBlankLines(sb.String())
		case html.TextToken:
			if hidden == 0 {
				// z.Raw() is the raw text token; UnescapeString decodes
				// every entity reference.
				sb.WriteString(html.UnescapeString(string(z.Raw())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				hidden++
				continue
			}
			sb.WriteString(blockBreak[tag])
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if hidden > 0 {
					hidden--
				}
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			}
		}
	}
}

// collapseBlankLines squeezes the runs of blank lines adjacent block
// elements leave behind.
func collapseBlankLines(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
