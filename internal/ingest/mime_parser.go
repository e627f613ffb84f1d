package ingest

import (
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path/filepath"
	"strings"

	"github.com/mailvault/mailvault/internal/models"
)

// ParsedMail is the best-effort structured view of a raw message. Every
// field may be empty: malformed MIME is never a reason to reject mail, it
// just degrades to storing the envelope with empty derived fields.
type ParsedMail struct {
	Sender      string
	Recipient   string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []models.AttachmentMeta
}

// ParseRaw extracts sender, recipient, subject, bodies and attachment
// metadata from raw RFC822 bytes. It never fails; anything unparseable is
// simply left blank.
func ParseRaw(raw []byte) ParsedMail {
	var result ParsedMail

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return result
	}

	result.Sender = headerAddress(msg.Header.Get("From"))
	result.Recipient = headerAddress(msg.Header.Get("To"))
	result.Subject = decodeHeaderWord(strings.TrimSpace(msg.Header.Get("Subject")))

	contentType := strings.TrimSpace(msg.Header.Get("Content-Type"))
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	if strings.HasPrefix(strings.ToLower(mediaType), "multipart/") && params["boundary"] != "" {
		reader := multipart.NewReader(msg.Body, params["boundary"])
		parseMultipart(reader, &result)
		return result
	}

	decoded, err := decodeBody(msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return result
	}
	if strings.Contains(strings.ToLower(mediaType), "text/html") {
		result.HTMLBody = strings.TrimSpace(string(decoded))
	} else {
		result.TextBody = strings.TrimSpace(string(decoded))
	}
	return result
}

func parseMultipart(reader *multipart.Reader, parsed *ParsedMail) {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Salvage whatever was already extracted.
			return
		}

		contentType := strings.TrimSpace(part.Header.Get("Content-Type"))
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = ""
			params = map[string]string{}
		}

		contentDisposition, dispParams, err := mime.ParseMediaType(strings.TrimSpace(part.Header.Get("Content-Disposition")))
		if err != nil {
			contentDisposition = ""
			dispParams = map[string]string{}
		}

		if strings.HasPrefix(strings.ToLower(mediaType), "multipart/") && params["boundary"] != "" {
			nested := multipart.NewReader(part, params["boundary"])
			parseMultipart(nested, parsed)
			continue
		}

		payload, err := decodeBody(part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			continue
		}

		rawFilename := firstNonEmpty(dispParams["filename"], params["name"], part.FileName())
		if isAttachmentPart(contentDisposition, rawFilename) {
			parsed.Attachments = append(parsed.Attachments, models.AttachmentMeta{
				FileName:    sanitizeFilename(rawFilename),
				ContentType: normalizeContentType(mediaType),
				SizeBytes:   int64(len(payload)),
			})
			continue
		}

		switch strings.ToLower(mediaType) {
		case "text/plain":
			text := strings.TrimSpace(string(payload))
			if text != "" {
				if parsed.TextBody != "" {
					parsed.TextBody += "\n\n"
				}
				parsed.TextBody += text
			}
		case "text/html":
			html := strings.TrimSpace(string(payload))
			if html != "" {
				if parsed.HTMLBody != "" {
					parsed.HTMLBody += "\n"
				}
				parsed.HTMLBody += html
			}
		}
	}
}

func decodeBody(encoding string, r io.Reader) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	switch enc {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// headerAddress pulls the bare address out of a From/To header, falling back
// to the trimmed raw value when it does not parse as an address.
func headerAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return raw
	}
	return strings.ToLower(addr.Address)
}

func decodeHeaderWord(value string) string {
	decoder := mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func isAttachmentPart(disposition, filename string) bool {
	if strings.EqualFold(strings.TrimSpace(disposition), "attachment") {
		return true
	}
	return strings.TrimSpace(filename) != ""
}

func normalizeContentType(mediaType string) string {
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment.bin"
	}
	base := strings.TrimSpace(filepath.Base(name))
	if base == "." || base == "/" || base == "" {
		return "attachment.bin"
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// stripTags reduces HTML to its text content so HTML-only messages can still
// feed the search index.
func stripTags(html string) string {
	var (
		b     strings.Builder
		inTag bool
	)
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
