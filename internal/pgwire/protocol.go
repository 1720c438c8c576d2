package pgwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"metl-sql/internal/resultset"
)

const (
	authOK                int32 = 0
	authCleartextPassword int32 = 3

	textOID uint32 = 25
)

func readStartupHeader(r io.Reader) (length, code int32, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, err
	}
	return int32(binary.BigEndian.Uint32(header[0:4])), int32(binary.BigEndian.Uint32(header[4:8])), nil
}

// readMessage reads one typed frontend message.
func readMessage(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 || length > maxMessageSize {
		return 0, nil, fmt.Errorf("invalid message length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func parseStartupParams(payload []byte) map[string]string {
	params := map[string]string{}
	parts := bytes.Split(payload, []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		if len(parts[i]) == 0 {
			break
		}
		params[string(parts[i])] = string(parts[i+1])
	}
	return params
}

func readCString(payload []byte, offset *int) (string, bool) {
	start := *offset
	if i := bytes.IndexByte(payload[start:], 0); i >= 0 {
		*offset = start + i + 1
		return string(payload[start : start+i]), true
	}
	return "", false
}

// message accumulates a backend message body.
type message struct {
	typ  byte
	body []byte
}

func newMessage(typ byte) *message { return &message{typ: typ} }

func (m *message) int16(v int16) *message {
	m.body = binary.BigEndian.AppendUint16(m.body, uint16(v))
	return m
}

func (m *message) int32(v int32) *message {
	m.body = binary.BigEndian.AppendUint32(m.body, uint32(v))
	return m
}

func (m *message) cstring(s string) *message {
	m.body = append(append(m.body, s...), 0)
	return m
}

func (m *message) bytes(b []byte) *message {
	m.body = append(m.body, b...)
	return m
}

func (m *message) send(w io.Writer) error {
	packet := make([]byte, 5, 5+len(m.body))
	packet[0] = m.typ
	binary.BigEndian.PutUint32(packet[1:5], uint32(4+len(m.body)))
	_, err := w.Write(append(packet, m.body...))
	return err
}

// writeEmpty sends a message with no body, such as ParseComplete ('1').
func writeEmpty(w io.Writer, typ byte) error {
	return newMessage(typ).send(w)
}

func writeAuthRequest(w io.Writer, code int32) error {
	return newMessage('R').int32(code).send(w)
}

func writeParameterStatus(w io.Writer, key, value string) error {
	return newMessage('S').cstring(key).cstring(value).send(w)
}

func writeBackendKeyData(w io.Writer, key backendKey) error {
	return newMessage('K').int32(key.processID).int32(key.secretKey).send(w)
}

func writeReadyForQuery(w io.Writer) error {
	return newMessage('Z').bytes([]byte{'I'}).send(w)
}

func writeEmptyQueryResponse(w io.Writer) error {
	return writeEmpty(w, 'I')
}

func writeError(w io.Writer, code, msg string) error {
	return newMessage('E').
		bytes([]byte{'S'}).cstring("ERROR").
		bytes([]byte{'V'}).cstring("ERROR").
		bytes([]byte{'C'}).cstring(code).
		bytes([]byte{'M'}).cstring(msg).
		bytes([]byte{0}).
		send(w)
}

func writeQueryError(w io.Writer, err error) error {
	return writeError(w, sqlState(err), err.Error())
}

func writeParameterDescription(w io.Writer, oids []uint32) error {
	m := newMessage('t').int16(int16(len(oids)))
	for _, oid := range oids {
		m.int32(int32(oid))
	}
	return m.send(w)
}

// writeRowDescription declares every column as text.
func writeRowDescription(w io.Writer, columns []string) error {
	m := newMessage('T').int16(int16(len(columns)))
	for _, col := range columns {
		m.cstring(col).
			int32(0).              // table OID
			int16(0).              // attribute number
			int32(int32(textOID)). // type OID
			int16(-1).             // type size
			int32(-1).             // type modifier
			int16(0)               // text format
	}
	return m.send(w)
}

func writeDataRow(w io.Writer, row []interface{}) error {
	m := newMessage('D').int16(int16(len(row)))
	for _, v := range row {
		if v == nil {
			m.int32(-1)
			continue
		}
		text := fmt.Sprint(v)
		m.int32(int32(len(text))).bytes([]byte(text))
	}
	return m.send(w)
}

// writeResult streams rs. A statement without columns completes with its
// own command tag, as transaction control does.
func writeResult(w io.Writer, sql string, rs *resultset.ResultSet, describe bool) error {
	if len(rs.Columns()) == 0 {
		return writeCommandComplete(w, commandTag(sql))
	}
	if describe {
		if err := writeRowDescription(w, rs.ColumnNames()); err != nil {
			return err
		}
	}
	for _, row := range rs.Values() {
		if err := writeDataRow(w, row); err != nil {
			return err
		}
	}
	return writeCommandComplete(w, fmt.Sprintf("SELECT %d", rs.Len()))
}

func writeCommandComplete(w io.Writer, tag string) error {
	return newMessage('C').cstring(tag).send(w)
}

// commandTag derives the completion tag of a no-op statement from its
// leading keyword.
func commandTag(sql string) string {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if len(fields) == 0 {
		return "SELECT 0"
	}
	tag := strings.ToUpper(fields[0])
	switch tag {
	case "START":
		return "START TRANSACTION"
	case "END":
		return "COMMIT"
	case "ABORT":
		return "ROLLBACK"
	}
	return tag
}
