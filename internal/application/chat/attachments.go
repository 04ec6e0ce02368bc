package chat

import (
	"bytes"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/longregen/causal/internal/domain/models"
)

// attachmentBase resolves relative links in converted attachments.
var attachmentBase = &url.URL{Scheme: "https", Host: "attachment.local"}

func isHTMLAttachment(a models.Attachment) bool {
	switch strings.ToLower(path.Ext(a.Name)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	head := strings.ToLower(strings.TrimSpace(a.Data))
	if len(head) > 64 {
		head = head[:64]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// normalizeAttachments converts HTML attachments to Markdown so the model
// sees text instead of markup. Other attachments pass through unchanged, as
// does any HTML that fails to convert.
func normalizeAttachments(atts []models.Attachment) []models.Attachment {
	if len(atts) == 0 {
		return atts
	}
	out := make([]models.Attachment, len(atts))
	for i, a := range atts {
		out[i] = a
		if !isHTMLAttachment(a) {
			continue
		}
		md, err := htmlToMarkdown(a.Data)
		if err != nil {
			slog.Warn("failed to convert HTML attachment", "name", a.Name, "error", err)
			continue
		}
		out[i].Data = md
	}
	return out
}

func htmlToMarkdown(doc string) (string, error) {
	body := doc
	if article, err := readability.FromReader(strings.NewReader(doc), attachmentBase); err == nil {
		var buf bytes.Buffer
		if err := article.RenderHTML(&buf); err == nil && strings.TrimSpace(buf.String()) != "" {
			body = buf.String()
		}
	}

	gq, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}
	gq.Find("script, style, noscript, template").Remove()
	cleaned, err := gq.Html()
	if err != nil {
		return "", err
	}

	md, err := htmltomarkdown.ConvertString(cleaned, converter.WithDomain(attachmentBase.String()))
	if err != nil {
		return "", err
	}
	return cleanMarkdown(md), nil
}

// cleanMarkdown collapses runs of blank lines and trailing spaces.
func cleanMarkdown(md string) string {
	lines := strings.Split(md, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank <= 1 {
				result = append(result, "")
			}
			continue
		}
		blank = 0
		result = append(result, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}
