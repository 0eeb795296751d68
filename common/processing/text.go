package processing

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/talknote/ingest/common/apperrors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"shift_jis", japanese.ShiftJIS},
	{"euc-jp", japanese.EUCJP},
}

// DecodeText returns data as a UTF-8 string along with the encoding it was
// read as. UTF-8 (with or without BOM) and UTF-16 with BOM are tried first,
// then the Japanese legacy encodings.
func DecodeText(data []byte) (string, string, error) {
	const op = "processing.DecodeText"

	if bytes.HasPrefix(data, utf8BOM) {
		data = data[len(utf8BOM):]
	}
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(data); err == nil {
			return string(out), "utf-16", nil
		}
	}

	for _, fe := range fallbackEncodings {
		out, err := fe.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		if !strings.ContainsRune(string(out), utf8.RuneError) {
			return string(out), fe.name, nil
		}
	}
	return "", "", apperrors.New(apperrors.KindExtract, op, "unable to decode text in any supported encoding")
}

// PlainTextExtractor handles text/* payloads locally without a provider call
type PlainTextExtractor struct{}

// Extract decodes the payload and reports the detected encoding
func (PlainTextExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*Output, error) {
	text, enc, err := DecodeText(data)
	if err != nil {
		return nil, err
	}
	return &Output{
		Text:       text,
		Confidence: 1,
		Metadata:   map[string]any{"encoding": enc, "mime_type": mimeType},
	}, nil
}

// IsPlainText reports whether a mime type can be read without a provider
func IsPlainText(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return strings.HasPrefix(mt, "text/") || mt == "application/json"
}
