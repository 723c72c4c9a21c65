package alert

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"go-modelwatch/internal/models"
)

const maxListed = 20

type entryList struct {
	IDs  []string
	More int
}

func capped(list []models.Model) entryList {
	ids := models.ModelIDs(list)
	if len(ids) <= maxListed {
		return entryList{IDs: ids}
	}
	return entryList{IDs: ids[:maxListed], More: len(ids) - maxListed}
}

type siteView struct {
	Name    string
	Added   entryList
	Removed entryList
	NAdded  int
	NRemove int
	CheckIn *models.CheckInResult
}

type digest struct {
	Sites        []siteView
	Failures     []SiteFailure
	TotalAdded   int
	TotalRemoved int
}

func viewOf(c SiteChange) siteView {
	return siteView{
		Name:    c.SiteName,
		Added:   capped(c.Diff.Added),
		Removed: capped(c.Diff.Removed),
		NAdded:  len(c.Diff.Added),
		NRemove: len(c.Diff.Removed),
		CheckIn: c.CheckIn,
	}
}

func newDigest(changes []SiteChange, failures []SiteFailure) digest {
	d := digest{Failures: failures}
	for _, c := range changes {
		d.TotalAdded += len(c.Diff.Added)
		d.TotalRemoved += len(c.Diff.Removed)
		d.Sites = append(d.Sites, viewOf(c))
	}
	return d
}

var funcs = template.FuncMap{
	"money": func(f *float64) string {
		if f == nil {
			return ""
		}
		return fmt.Sprintf("$%.2f", *f)
	},
}

const siteBlock = `{{define "site"}}
<h3 style="margin:16px 0 8px">{{.Name}}</h3>
{{if .NAdded}}<p style="color:#2e7d32;margin:4px 0"><b>Added ({{.NAdded}})</b></p>
<ul>{{range .Added.IDs}}<li><code>{{.}}</code></li>{{end}}{{if .Added.More}}<li>+{{.Added.More}} more</li>{{end}}</ul>{{end}}
{{if .NRemove}}<p style="color:#c62828;margin:4px 0"><b>Removed ({{.NRemove}})</b></p>
<ul>{{range .Removed.IDs}}<li><code>{{.}}</code></li>{{end}}{{if .Removed.More}}<li>+{{.Removed.More}} more</li>{{end}}</ul>{{end}}
{{with .CheckIn}}<p style="margin:4px 0"><b>Check-in:</b> {{if .Success}}succeeded{{else}}failed{{end}}{{if .Message}} ({{.Message}}){{end}}{{with .Quota}}, awarded {{money .}}{{end}}{{if and (not .Success) .Error}}: {{.Error}}{{end}}</p>{{end}}
{{end}}`

var (
	siteTpl = template.Must(template.New("single").Funcs(funcs).Parse(siteBlock + `
<div style="font-family:-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif">
<h2>Model changes detected</h2>
{{template "site" .}}
</div>`))

	digestTpl = template.Must(template.New("digest").Funcs(funcs).Parse(siteBlock + `
<div style="font-family:-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif">
<h2>Model Watch report</h2>
<p>{{len .Sites}} site(s) reported, <b>+{{.TotalAdded}}</b> added, <b>-{{.TotalRemoved}}</b> removed.</p>
{{range .Sites}}{{template "site" .}}{{end}}
{{if .Failures}}<h3 style="color:#c62828;margin-top:24px">Failed sites ({{len .Failures}})</h3>
<ul>{{range .Failures}}<li><b>{{.SiteName}}</b>: {{.Error}}</li>{{end}}</ul>{{end}}
</div>`))
)

func renderSite(c SiteChange) (string, string, error) {
	v := viewOf(c)
	var buf bytes.Buffer
	if err := siteTpl.Execute(&buf, v); err != nil {
		return "", "", err
	}
	var text strings.Builder
	text.WriteString("Model changes detected\n")
	writeSiteText(&text, v)
	return buf.String(), text.String(), nil
}

func renderDigest(d digest) (string, string, error) {
	var buf bytes.Buffer
	if err := digestTpl.Execute(&buf, d); err != nil {
		return "", "", err
	}
	var text strings.Builder
	fmt.Fprintf(&text, "Model Watch report: %d site(s), +%d / -%d\n", len(d.Sites), d.TotalAdded, d.TotalRemoved)
	for _, s := range d.Sites {
		writeSiteText(&text, s)
	}
	if len(d.Failures) > 0 {
		fmt.Fprintf(&text, "\nFailed sites (%d):\n", len(d.Failures))
		for _, f := range d.Failures {
			fmt.Fprintf(&text, "- %s: %s\n", f.SiteName, f.Error)
		}
	}
	return buf.String(), text.String(), nil
}

func writeSiteText(b *strings.Builder, s siteView) {
	fmt.Fprintf(b, "\n%s\n", s.Name)
	list := func(sign string, l entryList) {
		for _, id := range l.IDs {
			fmt.Fprintf(b, "  %s %s\n", sign, id)
		}
		if l.More > 0 {
			fmt.Fprintf(b, "  +%d more\n", l.More)
		}
	}
	list("+", s.Added)
	list("-", s.Removed)
	if ci := s.CheckIn; ci != nil {
		status := "succeeded"
		if !ci.Success {
			status = "failed: " + ci.Error
		}
		fmt.Fprintf(b, "  check-in %s\n", status)
	}
}
