package chat

import (
	"testing"

	"github.com/longregen/causal/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<!DOCTYPE html>
<html>
<head><title>Report</title><style>p { color: red; }</style></head>
<body>
<article>
<h1>Quarterly report</h1>
<p>Revenue grew <b>twelve percent</b> over the previous quarter, driven by new customers.</p>
<p>See <a href="/details">the details</a> for a breakdown.</p>
<script>alert("hi")</script>
</article>
</body>
</html>`

func TestIsHTMLAttachment(t *testing.T) {
	assert.True(t, isHTMLAttachment(models.Attachment{Name: "page.HTML"}))
	assert.True(t, isHTMLAttachment(models.Attachment{Name: "saved", Data: "  <!doctype html><html></html>"}))
	assert.True(t, isHTMLAttachment(models.Attachment{Name: "x", Data: "<html><body/></html>"}))
	assert.False(t, isHTMLAttachment(models.Attachment{Name: "notes.txt", Data: "plain <b>text</b>"}))
}

func TestHTMLToMarkdown(t *testing.T) {
	md, err := htmlToMarkdown(sampleHTML)
	require.NoError(t, err)

	assert.Contains(t, md, "twelve percent")
	assert.NotContains(t, md, "alert(")
	assert.NotContains(t, md, "color: red")
	assert.NotContains(t, md, "<p>")
	assert.NotContains(t, md, "\n\n\n")
}

func TestNormalizeAttachments(t *testing.T) {
	in := []models.Attachment{
		{Name: "notes.txt", Data: "keep <this>"},
		{Name: "report.html", Data: sampleHTML},
	}
	out := normalizeAttachments(in)

	require.Len(t, out, 2)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, "report.html", out[1].Name)
	assert.Contains(t, out[1].Data, "twelve percent")
	assert.NotContains(t, out[1].Data, "<article>")
	assert.Equal(t, sampleHTML, in[1].Data)

	assert.Nil(t, normalizeAttachments(nil))
}

func TestCleanMarkdown(t *testing.T) {
	assert.Equal(t, "a\n\nb", cleanMarkdown("\n a  \n\n\n\nb\t\n"))
}
