package content

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/l0p7/ledgerlens/internal/fetch"
	"github.com/l0p7/ledgerlens/internal/normalize"
)

var errBadDataURI = errors.New("content: malformed data uri")

// decodeDataURI handles data:[<mediatype>][;base64],<data>.
func decodeDataURI(raw string) (Payload, error) {
	rest := strings.TrimSpace(raw)
	if len(rest) < 5 || !strings.EqualFold(rest[:5], "data:") {
		return Payload{}, errBadDataURI
	}
	header, data, ok := strings.Cut(rest[5:], ",")
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing comma", errBadDataURI)
	}

	isBase64 := false
	if strings.HasSuffix(strings.ToLower(header), ";base64") {
		isBase64 = true
		header = header[:len(header)-len(";base64")]
	}
	mediaType := strings.TrimSpace(header)
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	var body []byte
	if isBase64 {
		decoded, err := decodeBase64(data)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", errBadDataURI, err)
		}
		body = decoded
	} else {
		unescaped, err := url.PathUnescape(data)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", errBadDataURI, err)
		}
		body = []byte(unescaped)
	}

	payload := Payload{
		Identifier:  raw,
		ContentType: mediaType,
		Source:      "inline",
	}
	if strings.Contains(strings.ToLower(mediaType), "json") {
		doc, err := fetch.DecodeJSON(body)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", errBadDataURI, err)
		}
		payload.Kind = KindStructured
		payload.Document = doc
		if meta, ok := normalize.MetadataFrom(doc); ok {
			payload.Metadata = &meta
		}
		return payload, nil
	}
	payload.Kind = KindBinary
	payload.Data = body
	return payload, nil
}

func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(data); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("invalid base64")
}
