package pgwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errShortBind = errors.New("invalid Bind message")

// decodeBind parses a Bind message into the portal name and parameters
// rendered as SQL literals.
func decodeBind(payload []byte, oids []uint32) (string, []string, error) {
	offset := 0
	portal, ok := readCString(payload, &offset)
	if !ok {
		return "", nil, errShortBind
	}
	if _, ok := readCString(payload, &offset); !ok {
		return "", nil, errShortBind
	}

	readInt16 := func() (int, error) {
		if len(payload[offset:]) < 2 {
			return 0, errShortBind
		}
		v := int(int16(binary.BigEndian.Uint16(payload[offset:])))
		offset += 2
		return v, nil
	}

	nFormats, err := readInt16()
	if err != nil {
		return "", nil, err
	}
	formats := make([]int, nFormats)
	for i := range formats {
		if formats[i], err = readInt16(); err != nil {
			return "", nil, err
		}
	}

	nParams, err := readInt16()
	if err != nil {
		return "", nil, err
	}
	params := make([]string, nParams)
	for i := range params {
		if len(payload[offset:]) < 4 {
			return "", nil, errShortBind
		}
		length := int32(binary.BigEndian.Uint32(payload[offset:]))
		offset += 4
		if length == -1 {
			params[i] = "NULL"
			continue
		}
		if length < 0 || len(payload[offset:]) < int(length) {
			return "", nil, errShortBind
		}
		raw := payload[offset : offset+int(length)]
		offset += int(length)

		format := 0
		switch {
		case len(formats) == 1:
			format = formats[0]
		case i < len(formats):
			format = formats[i]
		}
		var oid uint32
		if i < len(oids) {
			oid = oids[i]
		}
		if params[i], err = bindLiteral(format, oid, raw); err != nil {
			return "", nil, err
		}
	}

	// Result format codes follow; every column is sent as text regardless.
	if _, err := readInt16(); err != nil {
		return "", nil, err
	}
	return portal, params, nil
}

// bindLiteral renders one parameter. Binary values are accepted for the
// integer and text types only.
func bindLiteral(format int, oid uint32, raw []byte) (string, error) {
	if format == 0 {
		return quoteLiteral(string(raw)), nil
	}
	if format != 1 {
		return "", fmt.Errorf("unsupported Bind format code %d", format)
	}
	switch oid {
	case 21:
		if len(raw) == 2 {
			return strconv.Itoa(int(int16(binary.BigEndian.Uint16(raw)))), nil
		}
	case 23:
		if len(raw) == 4 {
			return strconv.Itoa(int(int32(binary.BigEndian.Uint32(raw)))), nil
		}
	case 20:
		if len(raw) == 8 {
			return strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10), nil
		}
	case 18, 19, 25, 1043:
		return quoteLiteral(string(raw)), nil
	default:
		return "", fmt.Errorf("unsupported binary parameter type oid %d", oid)
	}
	return "", fmt.Errorf("invalid binary parameter length for type oid %d", oid)
}

// substituteParams replaces $n placeholders, highest first so $1 does not
// clobber $10.
func substituteParams(sql string, params []string) (string, error) {
	for i := len(params); i >= 1; i-- {
		placeholder := "$" + strconv.Itoa(i)
		if !strings.Contains(sql, placeholder) {
			return "", fmt.Errorf("missing placeholder %s", placeholder)
		}
		sql = strings.ReplaceAll(sql, placeholder, params[i-1])
	}
	return sql, nil
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
