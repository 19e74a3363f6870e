package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/haksoz/online-registration/internal/domain/registration"
)

// maxBodyBytes limits request bodies to 1 MiB.
const maxBodyBytes = 1 << 20

var errInvalidBody = errors.New("invalid request body")

// readBody reads the request body, enforcing maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return data, nil
}

// writeJSON encodes a single JSON object built by fn and writes it with status.
func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(fn)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes the {success:false, message} envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(false) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	})
}

// writeMoney encodes an amount as a JSON number with the currency's minor
// unit precision.
func writeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.StringFixed(registration.MinorUnits)))
}

// writeOptionalInt encodes v or null.
func writeOptionalInt(e *jx.Encoder, v *int) {
	if v == nil {
		e.Null()
		return
	}
	e.Int(*v)
}

// decodeID reads an integer id given as a JSON number or a numeric string.
// Range checks are left to the domain.
func decodeID(d *jx.Decoder) (int64, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(s, 10, 64)
	case jx.Number:
		return d.Int64()
	default:
		return 0, errors.Errorf("expected integer, got %s", d.Next())
	}
}

// decodeOptionalStr reads a string that may be null.
func decodeOptionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}
