// Package evidence validates proof-of-completion documents and stores them,
// together with generated contract PDFs, in object storage.
package evidence

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"commitflow/apperr"
)

const ContentTypePDF = "application/pdf"

var ErrUnsupportedType = fmt.Errorf("evidence: only PDF documents are accepted: %w", apperr.ErrValidation)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Validate accepts a document only when both the declared content type and
// the sniffed leading bytes say PDF.
func Validate(declared string, head []byte) error {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || mediaType != ContentTypePDF {
		return ErrUnsupportedType
	}
	if len(head) == 0 {
		return apperr.Validation("evidence: document is empty")
	}
	if sniffed := http.DetectContentType(head); sniffed != ContentTypePDF {
		return ErrUnsupportedType
	}
	return nil
}

// SafeName reduces a client supplied file name to something usable in an object key.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "evidence.pdf"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
