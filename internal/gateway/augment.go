package gateway

import (
	"html"
	"strings"
)

// PassthroughAugmenter is the default Render implementation: it escapes
// the text and wraps paragraphs so clients can inject it into a DOM
// without a markdown pipeline of their own. Installations that want
// real markdown rendering supply their own Augmenter.
type PassthroughAugmenter struct{}

func (PassthroughAugmenter) Render(markdown string) string {
	if markdown == "" {
		return ""
	}
	var b strings.Builder
	for _, para := range strings.Split(markdown, "\n\n") {
		para = strings.TrimRight(para, "\n")
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
