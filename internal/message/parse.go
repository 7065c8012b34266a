package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Content is the readable part of a message.
type Content struct {
	Subject string
	Body    string
	// From is the first header From address, empty when missing.
	From string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Parse extracts the subject and a readable body from a raw RFC 5322
// message. The first non-empty text/plain part wins; otherwise the first
// text/html part is reduced to text. Attachments are ignored.
func Parse(raw []byte) (Content, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Content{}, fmt.Errorf("read message: %w", err)
	}
	defer reader.Close()

	content := Content{Subject: NoSubject}
	if subject, err := reader.Header.Subject(); err == nil && strings.TrimSpace(subject) != "" {
		content.Subject = strings.TrimSpace(subject)
	} else if rawSubject := strings.TrimSpace(reader.Header.Get("Subject")); rawSubject != "" {
		content.Subject = rawSubject
	}

	if list, err := reader.Header.AddressList("From"); err == nil && len(list) > 0 {
		content.From = NormalizeAddress(list[0].Address)
	} else {
		content.From = HeaderAddress(reader.Header.Get("From"))
	}

	var text, htmlBody string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !gomessage.IsUnknownCharset(err)) {
			return Content{}, fmt.Errorf("read part: %w", err)
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return Content{}, fmt.Errorf("read part body: %w", err)
		}
		switch {
		case strings.HasPrefix(mediaType, "text/plain"):
			if text == "" {
				text = strings.TrimSpace(string(body))
			}
		case strings.HasPrefix(mediaType, "text/html"):
			if htmlBody == "" {
				htmlBody = HTMLToText(string(body))
			}
		}
	}

	switch {
	case text != "":
		content.Body = text
	case htmlBody != "":
		content.Body = htmlBody
	default:
		content.Body = NoContent
	}
	return content, nil
}

// HeaderAddress extracts the mailbox from a raw From header value such as
// `"Alice" <alice@example.com>`. Values that do not parse are returned
// trimmed.
func HeaderAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return NormalizeAddress(addr.Address)
	}
	if list, err := mail.ParseAddressList(value); err == nil && len(list) > 0 {
		return NormalizeAddress(list[0].Address)
	}
	return value
}

// skipContent lists elements whose text is never shown to a reader.
var skipContent = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Title:    true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
}

// separates lists elements that break words apart when rendered.
var separates = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Tr: true, atom.Td: true,
	atom.Th: true, atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true,
	atom.H6: true, atom.Hr: true, atom.Blockquote: true, atom.Section: true,
	atom.Article: true, atom.Header: true, atom.Footer: true, atom.Pre: true,
}

// HTMLToText drops tags plus script/style content and collapses whitespace
// runs to single spaces.
func HTMLToText(htmlBody string) string {
	z := html.NewTokenizer(strings.NewReader(htmlBody))
	var b strings.Builder
	skipDepth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skipContent[a] && tt != html.SelfClosingTagToken {
				if tt == html.StartTagToken {
					skipDepth++
				} else if skipDepth > 0 {
					skipDepth--
				}
			}
			if separates[a] {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// RawText renders an undecoded message as text capped at limit runes.
func RawText(raw []byte, limit int) string {
	text := strings.ToValidUTF8(string(raw), "�")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}

// ScanHeaders reads the header block leniently, the way a transport that
// never parses bodies would see it. Malformed lines are skipped and encoded
// words are decoded where possible.
func ScanHeaders(raw []byte) map[string]string {
	headers := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var name string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && name != "" {
			headers[name] += " " + strings.TrimSpace(line)
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" || strings.ContainsAny(key, " \t") {
			name = ""
			continue
		}
		name = textproto.CanonicalMIMEHeaderKey(key)
		if _, seen := headers[name]; seen {
			name = ""
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	for key, value := range headers {
		if decoded, err := wordDecoder.DecodeHeader(value); err == nil {
			headers[key] = decoded
		}
	}
	return headers
}
