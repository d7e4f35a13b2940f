// Package export renders a poem for download as HTML, plain text or DOCX.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"versehub/api/internal/poem"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatText Format = "txt"
	FormatDOCX Format = "docx"
)

var (
	ErrUnsupportedFormat = errors.New("export format not supported")
	// ErrDOCXDependencyMissing indicates pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatText, FormatDOCX:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Stanzas splits poem text on blank lines. Each stanza is a list of lines.
func Stanzas(content string) [][]string {
	var stanzas [][]string
	var current []string
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if len(current) > 0 {
				stanzas = append(stanzas, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		stanzas = append(stanzas, current)
	}
	return stanzas
}

type templateData struct {
	Title       string
	Description string
	Author      string
	Form        string
	Tone        string
	UpdatedAt   time.Time
	Stanzas     [][]string
}

var poemTemplate = template.Must(template.New("poem").Parse(poemHTML))

const poemHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 640px; margin: 2rem auto; }
    h1 { margin-bottom: 0.25rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .stanza { margin: 0 0 1.25rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Author}}{{if .Form}} | {{.Form}}{{end}}{{if .Tone}}, {{.Tone}}{{end}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{if .Description}}<p><em>{{.Description}}</em></p>{{end}}
  {{range .Stanzas}}<p class="stanza">{{range $i, $line := .}}{{if $i}}<br>
  {{end}}{{$line}}{{end}}</p>
  {{end}}
</body>
</html>
`

// RenderHTML renders p as a standalone HTML page.
func RenderHTML(p *poem.Poem) (string, error) {
	var buf bytes.Buffer
	err := poemTemplate.Execute(&buf, templateData{
		Title:       p.Title,
		Description: p.Description,
		Author:      p.OwnerName,
		Form:        p.Form,
		Tone:        p.Tone,
		UpdatedAt:   p.UpdatedAt,
		Stanzas:     Stanzas(p.Content),
	})
	if err != nil {
		return "", fmt.Errorf("render poem template: %w", err)
	}
	return buf.String(), nil
}

// RenderText renders p as plain text with a title header.
func RenderText(p *poem.Poem) string {
	var sb strings.Builder
	sb.WriteString(p.Title)
	sb.WriteString("\n")
	if p.OwnerName != "" {
		sb.WriteString("by " + p.OwnerName + "\n")
	}
	for _, stanza := range Stanzas(p.Content) {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(stanza, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Export renders p in the requested format.
func Export(p *poem.Poem, format Format) (*Result, error) {
	base := sanitizeFilename(p.Title)
	switch format {
	case FormatText:
		return &Result{
			Data:     []byte(RenderText(p)),
			Filename: base + ".txt",
			MimeType: "text/plain; charset=utf-8",
		}, nil
	case FormatHTML, FormatDOCX:
		html, err := RenderHTML(p)
		if err != nil {
			return nil, err
		}
		if format == FormatDOCX {
			return exportDOCX(html, base)
		}
		return &Result{
			Data:     []byte(html),
			Filename: base + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeFilename(name string) string {
	name = strings.Trim(unsafeFilename.ReplaceAllString(strings.TrimSpace(name), "-"), "-.")
	if name == "" {
		return "poem"
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return strings.ToLower(name)
}
