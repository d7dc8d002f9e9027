package mail

import (
	"bytes"
	"embed"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/rotisserie/eris"
)

const (
	// ConfirmationSubject is the subject line of confirmation mail.
	ConfirmationSubject = "Algorithm Tips: Confirm Your Email"
	// AlertSubject is the subject line of alert mail.
	AlertSubject = "New leads match your alert"

	// MaxListedLeads caps the leads listed in an alert body.
	MaxListedLeads = 3

	siteURL = "http://algorithmtips.org"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// LeadLine is one lead listed in an alert.
type LeadLine struct {
	Name string
	Link string
}

// AlertLinks are the calls to action in an alert.
type AlertLinks struct {
	All         string
	Delete      string
	Unsubscribe string
	Contact     string
}

// AlertData fills the alert templates.
type AlertData struct {
	BaseURL string
	Count   int
	Filter  string
	Sources string
	Leads   []LeadLine
	Links   AlertLinks
}

// Renderer produces message bodies from the embedded templates.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "mail: parse html templates")
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "mail: parse text templates")
	}
	return &Renderer{html: html, text: text}, nil
}

// Confirmation renders the confirm-your-address mail.
func (r *Renderer) Confirmation(to, link string) (Message, error) {
	data := struct{ SiteURL, Link string }{siteURL, link}
	return r.render(to, ConfirmationSubject, "confirmation", data)
}

// Alert renders a new-leads mail. Leads beyond MaxListedLeads are dropped.
func (r *Renderer) Alert(to string, d AlertData) (Message, error) {
	if len(d.Leads) > MaxListedLeads {
		d.Leads = d.Leads[:MaxListedLeads]
	}
	return r.render(to, AlertSubject, "alert", d)
}

func (r *Renderer) render(to, subject, name string, data any) (Message, error) {
	var html, text bytes.Buffer
	if err := r.html.ExecuteTemplate(&html, name+".html.tmpl", data); err != nil {
		return Message{}, eris.Wrapf(err, "mail: render %s html", name)
	}
	if err := r.text.ExecuteTemplate(&text, name+".txt.tmpl", data); err != nil {
		return Message{}, eris.Wrapf(err, "mail: render %s text", name)
	}
	return Message{To: to, Subject: subject, HTML: html.String(), Text: text.String()}, nil
}
