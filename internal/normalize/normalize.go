// Package normalize turns upstream replies into a JSON-or-raw body and writes
// them back to the browser with the upstream status preserved.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"marketplace-gateway/internal/model"
)

// ErrBodyTooLarge is returned when the upstream body exceeds the read limit.
var ErrBodyTooLarge = errors.New("upstream body exceeds limit")

// HeaderUpstreamStatus carries the upstream reason phrase, which net/http
// cannot put on the status line.
const HeaderUpstreamStatus = "X-Upstream-Status"

// Body is a normalized upstream body: either JSON or Raw.
type Body interface {
	kind() string
}

// JSON is a body that parsed as JSON. Numbers are kept as json.Number.
// ContentType is the upstream media type, empty when it was sniffed.
type JSON struct {
	Value       any
	ContentType string
}

// Raw is any other body, kept byte for byte.
type Raw struct {
	Data        []byte
	ContentType string
}

func (JSON) kind() string { return "json" }
func (Raw) kind() string  { return "raw" }

// Kind returns "json" or "raw" for metrics and logs.
func Kind(b Body) string {
	return b.kind()
}

// IsJSON reports whether b is the JSON variant.
func IsJSON(b Body) bool {
	_, ok := b.(JSON)
	return ok
}

// Normalize reads at most limit bytes of the upstream body and classifies it.
// A JSON content type with an unparsable body falls back to Raw; that is not
// an error. A missing content type is sniffed. limit <= 0 disables the cap.
// The caller still closes resp.Body.
func Normalize(resp *model.UpstreamResponse, limit int64) (Body, error) {
	data, err := readLimited(resp.Body, limit)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get(echo.HeaderContentType)
	if len(data) == 0 {
		return Raw{Data: data, ContentType: contentType}, nil
	}

	switch {
	case contentType == "":
		if v, ok := decode(data); ok {
			return JSON{Value: v}, nil
		}
	case isJSONMediaType(contentType):
		if v, ok := decode(data); ok {
			return JSON{Value: v, ContentType: contentType}, nil
		}
	}
	return Raw{Data: data, ContentType: contentType}, nil
}

// Write re-emits b with the given status. JSON goes through echo's serializer,
// both variants keep the upstream content type.
func Write(c echo.Context, status int, b Body) error {
	switch v := b.(type) {
	case JSON:
		// echo only fills in application/json when the header is unset.
		if v.ContentType != "" {
			c.Response().Header().Set(echo.HeaderContentType, v.ContentType)
		}
		return c.JSON(status, v.Value)
	case Raw:
		if len(v.Data) == 0 {
			if v.ContentType != "" {
				c.Response().Header().Set(echo.HeaderContentType, v.ContentType)
			}
			return c.NoContent(status)
		}
		ct := v.ContentType
		if ct == "" {
			ct = echo.MIMEOctetStream
		}
		return c.Blob(status, ct, v.Data)
	default:
		return fmt.Errorf("normalize: unknown body type %T", b)
	}
}

// WriteResponse writes the upstream status text header and then the body.
func WriteResponse(c echo.Context, resp *model.UpstreamResponse, b Body) error {
	if resp.Status != "" && resp.Status != http.StatusText(resp.StatusCode) {
		c.Response().Header().Set(HeaderUpstreamStatus, resp.Status)
	}
	return Write(c, resp.StatusCode, b)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("read upstream body: %w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

func isJSONMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == echo.MIMEApplicationJSON || strings.HasSuffix(mediaType, "+json")
}

func decode(data []byte) (any, bool) {
	if !json.Valid(data) {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}
