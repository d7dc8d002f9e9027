package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "eyJ1c2VyIjoxLCJzZW5kIjoxfQ.c1W0brRrBzXYLL2Euk8RHAHIPzo"

func snapshotAlert() AlertData {
	return AlertData{
		BaseURL: "http://db.algorithmtips.org",
		Count:   1,
		Sources: "Federal Agency - Executive, No Regional, Any Local",
		Links: AlertLinks{
			All:         "http://db.algorithmtips.org/db?federal=Federal%20Agency%20-%20Executive&regional=exclude&from=2020-05-28&to=2020-06-04",
			Delete:      "http://db.algorithmtips.org/delete-alert?token=" + testToken,
			Unsubscribe: "http://db.algorithmtips.org/unsubscribe?token=" + testToken,
			Contact:     "http://algorithmtips.org/about/",
		},
	}
}

func TestRenderer_AlertText(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	msg, err := r.Alert("test@test.net", snapshotAlert())
	require.NoError(t, err)

	want := `New leads matching your alert have been added to the AlgorithmTips Database at http://db.algorithmtips.org/.

Algorithm Tips Alert
Click here to see all 1 new leads: http://db.algorithmtips.org/db?federal=Federal%20Agency%20-%20Executive&regional=exclude&from=2020-05-28&to=2020-06-04. These match your alert for (keyword filter: ; sources: Federal Agency - Executive, No Regional, Any Local)

Delete This Alert: http://db.algorithmtips.org/delete-alert?token=eyJ1c2VyIjoxLCJzZW5kIjoxfQ.c1W0brRrBzXYLL2Euk8RHAHIPzo
Unsubscribe From All Alerts: http://db.algorithmtips.org/unsubscribe?token=eyJ1c2VyIjoxLCJzZW5kIjoxfQ.c1W0brRrBzXYLL2Euk8RHAHIPzo
Contact: http://algorithmtips.org/about/`
	assert.Equal(t, want, strings.TrimRight(msg.Text, "\n"))
	assert.Equal(t, AlertSubject, msg.Subject)
	assert.Equal(t, "test@test.net", msg.To)
}

func TestRenderer_AlertHTML(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	msg, err := r.Alert("test@test.net", snapshotAlert())
	require.NoError(t, err)

	assert.Contains(t, msg.HTML, "to see all 1 new leads matching your alert")
	assert.Contains(t, msg.HTML, "keyword filter: <em>None</em>")
	assert.Contains(t, msg.HTML, "sources: Federal Agency - Executive, No Regional, Any Local")
	assert.Contains(t, msg.HTML, `href="http://db.algorithmtips.org/delete-alert?token=`+testToken+`"`)
	assert.Contains(t, msg.HTML, "&amp;regional=exclude&amp;from=2020-05-28")
	assert.NotContains(t, msg.HTML, "<ul>")
}

func TestRenderer_AlertListsAtMostThreeLeads(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	d := snapshotAlert()
	d.Count = 5
	for _, name := range []string{"one", "two", "three", "four", "five"} {
		d.Leads = append(d.Leads, LeadLine{Name: name, Link: "http://db.algorithmtips.org/lead/" + name})
	}

	msg, err := r.Alert("test@test.net", d)
	require.NoError(t, err)

	assert.Contains(t, msg.Text, "(keyword filter: ; sources: Federal Agency - Executive, No Regional, Any Local)\n- one: http://db.algorithmtips.org/lead/one\n")
	assert.Contains(t, msg.Text, "- three: ")
	assert.NotContains(t, msg.Text, "four")
	assert.Contains(t, msg.HTML, "<li><a href=\"http://db.algorithmtips.org/lead/two\">two</a></li>")
	assert.NotContains(t, msg.HTML, "five")
}

func TestRenderer_Confirmation(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	link := "https://db.algorithmtips.org/confirm-email?token=abc"
	msg, err := r.Confirmation("test@test.net", link)
	require.NoError(t, err)

	assert.Equal(t, ConfirmationSubject, msg.Subject)
	assert.Equal(t, `An alert was created with this email address on the Algorithm Tips (http://algorithmtips.org) website.

If you took this action, click here to confirm your email address: https://db.algorithmtips.org/confirm-email?token=abc

If you did not, simply ignore this email.`, strings.TrimRight(msg.Text, "\n"))
	assert.Contains(t, msg.HTML, `click <a href="`+link+`">here</a> to confirm`)
}
