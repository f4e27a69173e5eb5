// Package render turns message text into HTML markup for chat views.
package render

import (
	"fmt"
	"hash/fnv"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedCode = regexp.MustCompile("(?s)```(\\w+)?\\n(.*?)```")
	inlineCode = regexp.MustCompile("`([^`]+)`")
	bold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink     = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bareURL    = regexp.MustCompile(`https?://[^\s<>"]+`)
	h3         = regexp.MustCompile(`(?m)^### (.+)$`)
	h2         = regexp.MustCompile(`(?m)^## (.+)$`)
	h1         = regexp.MustCompile(`(?m)^# (.+)$`)
	starItem   = regexp.MustCompile(`(?m)^\* (.+)$`)
	dashItem   = regexp.MustCompile(`(?m)^- (.+)$`)
	itemRun    = regexp.MustCompile(`(<li class="nexva-li">.*</li>\n?)+`)
	numItem    = regexp.MustCompile(`(?m)^\d+\. (.+)$`)
	emptyPara  = regexp.MustCompile(`<p class="nexva-p"></p>`)
	paraOpen   = regexp.MustCompile("<p class=\"nexva-p\">(\x00B|<h[123]|<ul)")
	paraClose  = regexp.MustCompile("(\x00B\\d+\x00|</h[123]>|</ul>)</p>")
	stashRef   = regexp.MustCompile("\x00[BI](\\d+)\x00")
)

const paragraphBreak = `</p><p class="nexva-p">`

// Escape HTML-escapes literal text.
func Escape(text string) string {
	return html.EscapeString(text)
}

// stash holds rendered fragments that later passes must not touch.
// Block fragments are marked B so paragraph wrapping can treat them as blocks.
type stash struct {
	parts []string
}

func (s *stash) put(kind byte, fragment string) string {
	s.parts = append(s.parts, fragment)
	return fmt.Sprintf("\x00%c%d\x00", kind, len(s.parts)-1)
}

func (s *stash) restore(text string) string {
	return stashRef.ReplaceAllStringFunc(text, func(ref string) string {
		n, err := strconv.Atoi(ref[2 : len(ref)-1])
		if err != nil || n >= len(s.parts) {
			return ""
		}
		return s.parts[n]
	})
}

// Markdown renders the chat markdown subset as HTML. The input is escaped
// before any markup is produced, and the output depends only on the input.
func Markdown(text string) string {
	st := &stash{}
	out := Escape(strings.ReplaceAll(text, "\x00", ""))

	block := 0
	out = fencedCode.ReplaceAllStringFunc(out, func(m string) string {
		sub := fencedCode.FindStringSubmatch(m)
		lang := sub[1]
		if lang == "" {
			lang = "plaintext"
		}
		code := strings.TrimSpace(sub[2])
		id := codeID(block, code)
		block++
		return st.put('B', fmt.Sprintf(
			`<div class="nexva-code-block"><div class="nexva-code-header"><span class="nexva-code-lang">%s</span><button class="nexva-code-copy" data-copy-target="%s">Copy</button></div><pre class="nexva-code-pre"><code id="%s" class="nexva-code-content">%s</code></pre></div>`,
			lang, id, id, code))
	})

	out = inlineCode.ReplaceAllStringFunc(out, func(m string) string {
		return st.put('I', `<code class="nexva-inline-code">`+m[1:len(m)-1]+`</code>`)
	})

	out = bold.ReplaceAllString(out, `<strong>$1</strong>`)
	out = italic.ReplaceAllString(out, `<em>$1</em>`)

	out = mdLink.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdLink.FindStringSubmatch(m)
		return st.put('I', anchor(safeHref(sub[2]), sub[1]))
	})
	out = bareURL.ReplaceAllStringFunc(out, func(m string) string {
		return st.put('I', anchor(m, m))
	})

	out = h3.ReplaceAllString(out, `<h3 class="nexva-h3">$1</h3>`)
	out = h2.ReplaceAllString(out, `<h2 class="nexva-h2">$1</h2>`)
	out = h1.ReplaceAllString(out, `<h1 class="nexva-h1">$1</h1>`)

	out = starItem.ReplaceAllString(out, `<li class="nexva-li">$1</li>`)
	out = dashItem.ReplaceAllString(out, `<li class="nexva-li">$1</li>`)
	out = itemRun.ReplaceAllString(out, `<ul class="nexva-ul">$0</ul>`)
	out = numItem.ReplaceAllString(out, `<li class="nexva-li">$1</li>`)

	out = strings.ReplaceAll(out, "\n\n", paragraphBreak)
	out = `<p class="nexva-p">` + out + `</p>`
	out = emptyPara.ReplaceAllString(out, "")
	out = paraOpen.ReplaceAllString(out, "$1")
	out = paraClose.ReplaceAllString(out, "$1")

	return st.restore(out)
}

func anchor(href, label string) string {
	return `<a href="` + href + `" target="_blank" rel="noopener noreferrer" class="nexva-link">` + label + `</a>`
}

// safeHref keeps http(s), mailto and relative targets. Anything else,
// javascript: included, becomes "#". href is already escaped text.
func safeHref(href string) string {
	raw := html.UnescapeString(strings.TrimSpace(href))
	u, err := url.Parse(raw)
	if err != nil {
		return "#"
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "mailto", "":
		if u.Scheme == "" && strings.Contains(raw, ":") {
			return "#"
		}
		return Escape(raw)
	default:
		return "#"
	}
}

func codeID(index int, code string) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", index, code)
	return fmt.Sprintf("code-%08x", h.Sum32())
}
