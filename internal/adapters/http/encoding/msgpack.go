// Package encoding selects the wire format of turn requests and events.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	timestampExt int8 = -1
	// msgpackr in browsers encodes Date as extension type 0.
	browserDateExt int8 = 0
)

func init() {
	// Replaces only the decoder; time.Time is still encoded as ext -1.
	msgpack.Register(time.Time{}, nil, decodeTime)
}

// decodeTime accepts the standard timestamp extension and the browser date
// extension. Both share the 4, 8 and 12 byte layouts.
func decodeTime(dec *msgpack.Decoder, v reflect.Value) error {
	c, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if c == msgpcode.Nil {
		v.Set(reflect.Zero(v.Type()))
		return dec.DecodeNil()
	}
	if !msgpcode.IsExt(c) {
		t, err := dec.DecodeTime()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(t))
		return nil
	}

	extID, extLen, err := dec.DecodeExtHeader()
	if err != nil {
		return err
	}
	if extID != timestampExt && extID != browserDateExt {
		return fmt.Errorf("msgpack: ext type %d is not a timestamp", extID)
	}
	data := make([]byte, extLen)
	if _, err := io.ReadFull(dec.Buffered(), data); err != nil {
		return err
	}

	var t time.Time
	switch extLen {
	case 4:
		t = time.Unix(int64(binary.BigEndian.Uint32(data)), 0)
	case 8:
		val := binary.BigEndian.Uint64(data)
		t = time.Unix(int64(val&0x3ffffffff), int64(val>>34))
	case 12:
		t = time.Unix(int64(binary.BigEndian.Uint64(data[4:])), int64(binary.BigEndian.Uint32(data[:4])))
	default:
		return fmt.Errorf("msgpack: invalid timestamp length %d", extLen)
	}
	v.Set(reflect.ValueOf(t.UTC()))
	return nil
}

type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

const (
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeJSON    = "application/json"
)

// FormatFromRequest honours ?format= first, then the Accept header. JSON is
// the default.
func FormatFromRequest(r *http.Request) Format {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case string(FormatMsgpack):
		return FormatMsgpack
	case string(FormatJSON):
		return FormatJSON
	}
	if strings.Contains(r.Header.Get("Accept"), ContentTypeMsgpack) {
		return FormatMsgpack
	}
	return FormatJSON
}

func (f Format) ContentType() string {
	if f == FormatMsgpack {
		return ContentTypeMsgpack
	}
	return ContentTypeJSON
}

func Marshal(f Format, v any) ([]byte, error) {
	if f == FormatMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func Unmarshal(f Format, data []byte, v any) error {
	if f == FormatMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
