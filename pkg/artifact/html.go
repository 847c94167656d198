package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ScriptID is the id of the script element that carries the envelope.
const ScriptID = "sonnun-manifest"

// Segment is a run of document text with its attributed category.
type Segment struct {
	Text     string
	Category string
	Source   string
}

// Page is everything rendered into an exported artifact.
type Page struct {
	Title    string
	Author   string
	Segments []Segment
	Manifest *Manifest
	Signed   *SignedManifest
}

var pageTemplate = template.Must(template.New("artifact").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.2f%%", f) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Georgia, serif; max-width: 46rem; margin: 2rem auto; line-height: 1.6; }
.badge { font-family: sans-serif; font-size: .85rem; border: 1px solid #ccc; border-radius: 4px; padding: .5rem .75rem; margin-bottom: 1.5rem; }
.doc { white-space: pre-wrap; }
.span-ai { background: #eef4ff; }
.span-cited { background: #f4f0e6; }
</style>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
{{- if .Author}}
<p class="author">{{.Author}}</p>
{{- end}}
</header>
{{- with .Manifest}}
<div class="badge">
Human {{pct .HumanPct}} &middot; AI {{pct .AIPct}} &middot; Cited {{pct .CitedPct}} &middot; {{.TotalChars}} characters
<br><small>{{.DocumentHash}}</small>
</div>
{{- end}}
<article class="doc">
{{- range .Segments}}<span class="span-{{.Category}}"{{if .Source}} data-source="{{.Source}}"{{end}}>{{.Text}}</span>{{end -}}
</article>
<script type="application/json" id="sonnun-manifest">{{.Block}}</script>
</body>
</html>
`))

// Render writes p as a self-contained HTML document.
func Render(w io.Writer, p Page) error {
	if p.Signed == nil {
		return fmt.Errorf("artifact: render: no signed manifest")
	}
	block, err := json.Marshal(p.Signed)
	if err != nil {
		return fmt.Errorf("artifact: render: %w", err)
	}
	if p.Manifest == nil {
		if p.Manifest, err = p.Signed.Contents(); err != nil {
			return err
		}
	}
	if p.Title == "" {
		p.Title = "Untitled document"
	}

	data := struct {
		Page
		// json.Marshal escapes <, > and &, so the block cannot end the
		// script element early.
		Block template.JS
	}{Page: p, Block: template.JS(block)}

	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("artifact: render: %w", err)
	}
	return nil
}

// Extract returns the raw JSON envelope carried by data. data is either an
// HTML artifact or a bare JSON envelope.
func Extract(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrMalformed, err)
	}

	node := findScript(doc)
	if node == nil {
		return nil, fmt.Errorf("%w: no %s block", ErrMalformed, ScriptID)
	}

	var b strings.Builder
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	block := bytes.TrimSpace([]byte(b.String()))
	if len(block) == 0 {
		return nil, fmt.Errorf("%w: empty %s block", ErrMalformed, ScriptID)
	}
	return block, nil
}

func findScript(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Script {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == ScriptID {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findScript(c); found != nil {
			return found
		}
	}
	return nil
}

// Decode validates a JSON envelope against the schema and decodes it.
func Decode(block []byte) (*SignedManifest, error) {
	if err := Validate(block); err != nil {
		return nil, err
	}
	var s SignedManifest
	if err := json.Unmarshal(block, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &s, nil
}

// Load extracts and decodes the envelope carried by an artifact.
func Load(data []byte) (*SignedManifest, error) {
	block, err := Extract(data)
	if err != nil {
		return nil, err
	}
	return Decode(block)
}
