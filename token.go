package mssql

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/ioutil"
	"strconv"
)

type token byte

// token ids
const (
	tokenReturnStatus  token = 0x79
	tokenColMetadata   token = 0x81
	tokenOrder         token = 0xa9
	tokenError         token = 0xaa
	tokenInfo          token = 0xab
	tokenReturnValue   token = 0xac
	tokenLoginAck      token = 0xad
	tokenFeatureExtAck token = 0xae
	tokenRow           token = 0xd1
	tokenNbcRow        token = 0xd2
	tokenEnvChange     token = 0xe3
	tokenSSPI          token = 0xed
	tokenFedAuthInfo   token = 0xee
	tokenDone          token = 0xfd
	tokenDoneProc      token = 0xfe
	tokenDoneInProc    token = 0xff
)

// DONE status bits
const (
	doneFinal    = 0
	doneMore     = 1
	doneError    = 2
	doneInxact   = 4
	doneCount    = 0x10
	doneAttn     = 0x20
	doneSrvError = 0x100
)

// ENVCHANGE record types
const (
	envDatabase      = 1
	envLanguage      = 2
	envCharset       = 3
	envPacketSize    = 4
	envSortId        = 5
	envSortFlags     = 6
	envCollation     = 7
	envBeginTrans    = 8
	envCommitTrans   = 9
	envRollbackTrans = 10
	envMirrorPartner = 13
	envRouting       = 20
)

// column flag bits in COLMETADATA
const (
	colFlagNullable  = 1
	colFlagEncrypted = 0x0800
)

// tokenItem is one element of the parsed response stream: a
// []column, a []interface{} row, a doneMsg, a ReturnStatus, one of
// the login-time messages, or an error.
type tokenItem interface{}

// ReturnStatus is the integer result of a stored procedure.
type ReturnStatus int32

type doneMsg struct {
	status   uint16
	curCmd   uint16
	rowCount uint64
	errs     []Error
}

func (d doneMsg) failed() bool {
	return d.status&doneError != 0 || len(d.errs) > 0
}

func (d doneMsg) err() Error {
	if n := len(d.errs); n > 0 {
		return d.errs[n-1]
	}
	return Error{Message: "request failed without a server error"}
}

type doneInProcMsg doneMsg

type loginAckMsg struct {
	iface      uint8
	tdsVersion uint32
	progName   string
	progVer    uint32
}

type sspiMsg []byte

type fedAuthInfoMsg struct {
	stsURL string
	spn    string
}

// featureAck maps a feature extension id to its raw acknowledgement
// data.
type featureAck map[byte][]byte

type orderMsg []uint16

// column describes one result column for the rows that follow it.
type column struct {
	name     string
	userType uint32
	flags    uint16
	ti       typeInfo
	enc      *colEncInfo
}

func (c column) encrypted() bool {
	return c.flags&colFlagEncrypted != 0
}

func (c column) nullable() bool {
	return c.flags&colFlagNullable != 0
}

// tokenReader walks one tabular response. Column state established
// by COLMETADATA is carried until the next COLMETADATA.
type tokenReader struct {
	sess    *tdsSession
	r       *tdsStream
	columns []column
}

// readResponse parses one server response and feeds its tokens into
// ch. It runs as a goroutine; a protocol violation escapes via panic
// and is surfaced as an error item.
func readResponse(sess *tdsSession, ch chan tokenItem, outs map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if sess.logFlags&logErrors != 0 {
				sess.log.Printf("response aborted: %v", r)
			}
			if err, ok := r.(error); ok {
				ch <- err
			} else {
				ch <- ProtocolError{Err: errors.New("panic in response parser")}
			}
		}
		close(ch)
	}()

	pt, err := sess.buf.beginRead()
	if err != nil {
		ch <- err
		return
	}
	if pt != packReply {
		protoPanicf("expected a reply packet, got type %d", pt)
	}

	tr := tokenReader{sess: sess, r: sess.buf}
	var errs []Error
	for {
		tok := token(tr.r.rbyte())
		if sess.logFlags&logDebug != 0 {
			sess.log.Printf("token %#x", byte(tok))
		}
		switch tok {
		case tokenColMetadata:
			tr.columns = tr.colMetadata()
			ch <- tr.columns
		case tokenRow:
			if tr.columns == nil {
				protoPanicf("ROW token without preceding COLMETADATA")
			}
			ch <- tr.rowValues()
		case tokenNbcRow:
			if tr.columns == nil {
				protoPanicf("NBCROW token without preceding COLMETADATA")
			}
			ch <- tr.nbcRowValues()
		case tokenEnvChange:
			tr.envChange()
		case tokenOrder:
			ch <- tr.order()
		case tokenError:
			e := tr.serverMessage()
			errs = append(errs, e)
			if sess.logFlags&logErrors != 0 {
				sess.log.Println(e.Message)
			}
		case tokenInfo:
			e := tr.serverMessage()
			if sess.logFlags&logMessages != 0 {
				sess.log.Println(e.Message)
			}
		case tokenReturnStatus:
			ch <- ReturnStatus(tr.r.rint32())
		case tokenReturnValue:
			tr.returnValue(ch, outs)
		case tokenDoneInProc:
			d := doneInProcMsg(tr.done())
			ch <- d
		case tokenDone, tokenDoneProc:
			d := tr.done()
			d.errs = errs
			if d.status&doneSrvError != 0 {
				ch <- ServerError{Fault: d.err()}
				return
			}
			ch <- d
			if d.status&doneMore == 0 {
				return
			}
		case tokenLoginAck:
			ch <- tr.loginAck()
		case tokenFeatureExtAck:
			ch <- tr.featureExtAck()
		case tokenSSPI:
			ch <- tr.sspi()
			return
		case tokenFedAuthInfo:
			ch <- tr.fedAuthInfo()
			return
		default:
			protoPanicf("unknown token id %#x", byte(tok))
		}
	}
}

// https://msdn.microsoft.com/en-us/library/dd340421.aspx
func (tr *tokenReader) done() doneMsg {
	var d doneMsg
	d.status = tr.r.ruint16()
	d.curCmd = tr.r.ruint16()
	d.rowCount = tr.r.ruint64()
	if d.status&doneCount != 0 {
		if tr.sess.logFlags&logRows != 0 {
			tr.sess.log.Printf("(%d row(s) affected)", d.rowCount)
		}
		if tr.sess.countHandler != nil {
			tr.sess.countHandler(d.rowCount, d.curCmd)
		}
	}
	return d
}

// http://msdn.microsoft.com/en-us/library/dd357363.aspx
func (tr *tokenReader) colMetadata() []column {
	count := tr.r.ruint16()
	if count == 0xffff {
		// no metadata; clears the column state
		return nil
	}

	var kt *keyTable
	if tr.sess.aeEnabled {
		kt = tr.readKeyTable()
	}

	cols := make([]column, count)
	for i := range cols {
		c := &cols[i]
		c.userType = tr.r.ruint32()
		c.flags = tr.r.ruint16()
		c.ti = parseTypeInfo(tr.r, tr.r.rbyte())
		c.ti.userType = c.userType
		c.ti.flags = c.flags
		if isLongType(c.ti.id) {
			tr.r.multipartName() // table the blob belongs to
		}
		if c.encrypted() && tr.sess.aeEnabled {
			enc := tr.colEncMetadata(kt)
			c.enc = &enc
		}
		c.name = tr.r.bVarChar()
	}
	return cols
}

func (tr *tokenReader) rowValues() []interface{} {
	row := make([]interface{}, len(tr.columns))
	for i := range tr.columns {
		row[i] = tr.columnValue(&tr.columns[i])
	}
	return row
}

// http://msdn.microsoft.com/en-us/library/dd304783.aspx
func (tr *tokenReader) nbcRowValues() []interface{} {
	bitmap := make([]byte, (len(tr.columns)+7)/8)
	tr.r.readFull(bitmap)
	row := make([]interface{}, len(tr.columns))
	for i := range tr.columns {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			row[i] = nil
			continue
		}
		row[i] = tr.columnValue(&tr.columns[i])
	}
	return row
}

// columnValue reads one value, decrypting it first when the column
// is protected.
func (tr *tokenReader) columnValue(c *column) interface{} {
	v := c.ti.readValue(tr.r)
	if v == nil || c.enc == nil {
		return v
	}
	ciphertext, ok := v.([]byte)
	if !ok {
		protoPanicf("encrypted column %s did not decode to bytes", c.name)
	}
	plain := decryptValue(c.enc, tr.sess.aeSettings, ciphertext)
	return c.enc.ti.decode(plain)
}

func (tr *tokenReader) order() orderMsg {
	n := int(tr.r.ruint16()) / 2
	cols := make(orderMsg, n)
	for i := range cols {
		cols[i] = tr.r.ruint16()
	}
	return cols
}

// shared layout of the ERROR and INFO tokens
// http://msdn.microsoft.com/en-us/library/dd304156.aspx
func (tr *tokenReader) serverMessage() Error {
	tr.r.ruint16() // token length, implied by the fields
	var e Error
	e.Number = tr.r.rint32()
	e.State = tr.r.rbyte()
	e.Class = tr.r.rbyte()
	e.Message = tr.r.usVarChar()
	e.ServerName = tr.r.bVarChar()
	e.ProcName = tr.r.bVarChar()
	e.LineNo = tr.r.rint32()
	return e
}

// https://msdn.microsoft.com/en-us/library/dd303881.aspx
func (tr *tokenReader) returnValue(ch chan tokenItem, outs map[string]interface{}) {
	tr.r.ruint16()            // parameter ordinal
	name := tr.r.bVarChar()   // parameter name, "@"-prefixed
	tr.r.rbyte()              // status
	userType := tr.r.ruint32()
	flags := tr.r.ruint16()
	id := tr.r.rbyte()

	var enc *colEncInfo
	if tr.sess.aeEnabled {
		e := tr.colEncMetadata(nil)
		enc = &e
	}

	ti := parseTypeInfo(tr.r, id)
	ti.userType = userType
	ti.flags = flags
	v := ti.readValue(tr.r)
	if enc != nil {
		if raw, ok := v.([]byte); ok {
			v = enc.ti.decode(decryptValue(enc, tr.sess.aeSettings, raw))
		}
	}

	if len(name) > 1 {
		if dest, ok := outs[name[1:]]; ok {
			if err := scanIntoOut(name[1:], v, dest); err != nil {
				ch <- err
			}
		}
	}
}

func (tr *tokenReader) loginAck() loginAckMsg {
	size := tr.r.ruint16()
	buf := make([]byte, size)
	tr.r.readFull(buf)
	var m loginAckMsg
	m.iface = buf[0]
	m.tdsVersion = binary.BigEndian.Uint32(buf[1:])
	nameLen := int(buf[5])
	name, err := ucs22str(buf[6 : 6+nameLen*2])
	if err != nil {
		protoPanic(err)
	}
	m.progName = name
	m.progVer = binary.BigEndian.Uint32(buf[size-4:])
	return m
}

// feature acknowledgements are length prefixed records closed by a
// terminator id
func (tr *tokenReader) featureExtAck() featureAck {
	ack := featureAck{}
	for {
		id := tr.r.rbyte()
		if id == featExtTERMINATOR {
			return ack
		}
		n := tr.r.ruint32()
		data := make([]byte, n)
		tr.r.readFull(data)
		ack[id] = data
	}
}

func (tr *tokenReader) sspi() sspiMsg {
	n := tr.r.ruint16()
	buf := make([]byte, n)
	tr.r.readFull(buf)
	return sspiMsg(buf)
}

// https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-tds/0e4486d6-d407-4962-9803-0c1a4d4d87ce
func (tr *tokenReader) fedAuthInfo() fedAuthInfoMsg {
	const (
		infoSTSURL = 0x01
		infoSPN    = 0x02
	)
	total := tr.r.ruint32()
	count := tr.r.ruint32()
	type opt struct {
		id     byte
		length uint32
		offset uint32
	}
	opts := make([]opt, count)
	consumed := uint32(4)
	for i := range opts {
		opts[i] = opt{tr.r.rbyte(), tr.r.ruint32(), tr.r.ruint32()}
		consumed += 9
	}
	data := make([]byte, total-consumed)
	tr.r.readFull(data)

	var m fedAuthInfoMsg
	for _, o := range opts {
		if o.offset < consumed || o.offset+o.length > total {
			protoPanicf("federated auth info option outside the token")
		}
		s, err := ucs22str(data[o.offset-consumed : o.offset-consumed+o.length])
		if err != nil {
			protoPanic(err)
		}
		switch o.id {
		case infoSTSURL:
			m.stsURL = s
		case infoSPN:
			m.spn = s
		}
	}
	return m
}

// envChange applies connection-global state changes before any
// following token is handed to an executor.
// http://msdn.microsoft.com/en-us/library/dd303449.aspx
func (tr *tokenReader) envChange() {
	size := tr.r.ruint16()
	lr := &io.LimitedReader{R: tr.r, N: int64(size)}
	state := tr.sess.state
	for lr.N > 0 {
		et, err := readByte(lr)
		if err != nil {
			protoPanic(err)
		}
		switch et {
		case envDatabase:
			state.database = mustBVarChar(lr)
			skipBVarChar(lr)
		case envPacketSize:
			newSize := mustBVarChar(lr)
			skipBVarChar(lr)
			n, err := strconv.Atoi(newSize)
			if err != nil {
				protoPanicf("bad packet size %q in ENVCHANGE", newSize)
			}
			tr.sess.buf.setPacketSize(n)
		case envCollation:
			raw := mustBVarByte(lr)
			if len(raw) != 5 {
				protoPanicf("collation ENVCHANGE of %d bytes", len(raw))
			}
			state.collation = collation{
				lcidAndFlags: binary.LittleEndian.Uint32(raw),
				sortId:       raw[4],
			}
			skipBVarByte(lr)
		case envBeginTrans:
			raw := mustBVarByte(lr)
			if len(raw) != 8 {
				protoPanicf("transaction id of %d bytes", len(raw))
			}
			state.tranid = binary.LittleEndian.Uint64(raw)
			skipBVarByte(lr)
			if tr.sess.logFlags&logTransaction != 0 {
				tr.sess.log.Printf("BEGIN TRANSACTION %x", state.tranid)
			}
		case envCommitTrans, envRollbackTrans:
			skipBVarByte(lr)
			skipBVarByte(lr)
			if tr.sess.logFlags&logTransaction != 0 {
				tr.sess.log.Printf("END TRANSACTION %x", state.tranid)
			}
			state.tranid = 0
		case envMirrorPartner:
			state.partner = mustBVarChar(lr)
			skipBVarChar(lr)
		case envRouting:
			// ValueLength USHORT, Protocol BYTE, port USHORT,
			// server US_VARCHAR, then the empty old value
			if _, err := readUshort(lr); err != nil {
				protoPanic(err)
			}
			proto, err := readByte(lr)
			if err != nil || proto != 0 {
				protoPanicf("unsupported routing protocol %d", proto)
			}
			port, err := readUshort(lr)
			if err != nil {
				protoPanic(err)
			}
			server, err := readUsVarChar(lr)
			if err != nil {
				protoPanic(err)
			}
			readUshort(lr)
			state.routedServer = server
			state.routedPort = port
		case envLanguage, envCharset, envSortId, envSortFlags:
			skipBVarChar(lr)
			skipBVarChar(lr)
		default:
			// unknown record: its layout is unknown too, so consume
			// the rest of the token
			if tr.sess.logFlags&logDebug != 0 {
				tr.sess.log.Printf("skipping ENVCHANGE record type %d", et)
			}
			io.Copy(ioutil.Discard, lr)
		}
	}
}

func mustBVarChar(r io.Reader) string {
	s, err := readBVarChar(r)
	if err != nil {
		protoPanic(err)
	}
	return s
}

func skipBVarChar(r io.Reader) {
	if _, err := readBVarChar(r); err != nil {
		protoPanic(err)
	}
}

func mustBVarByte(r io.Reader) []byte {
	b, err := readBVarByte(r)
	if err != nil {
		protoPanic(err)
	}
	return b
}

func skipBVarByte(r io.Reader) {
	if _, err := readBVarByte(r); err != nil {
		protoPanic(err)
	}
}

// Always Encrypted metadata

func (tr *tokenReader) readKeyTable() *keyTable {
	n := tr.r.ruint16()
	if n == 0 {
		return nil
	}
	kt := keyTable{entries: make([]keyEntry, n)}
	for i := range kt.entries {
		kt.entries[i] = tr.readKeyEntry()
	}
	return &kt
}

func (tr *tokenReader) readKeyEntry() keyEntry {
	var e keyEntry
	e.databaseID = int(tr.r.rint32())
	e.keyID = int(tr.r.rint32())
	e.keyVersion = int(tr.r.rint32())
	e.mdVersion = make([]byte, 8)
	tr.r.readFull(e.mdVersion)
	count := int(tr.r.rbyte())
	e.values = make([]keyValue, count)
	for i := range e.values {
		var v keyValue
		v.encryptedKey = make([]byte, tr.r.ruint16())
		tr.r.readFull(v.encryptedKey)
		v.keyStore = tr.readUcs2N(int(tr.r.rbyte()))
		v.keyPath = tr.readUcs2N(int(tr.r.ruint16()))
		v.algorithm = tr.readUcs2N(int(tr.r.rbyte()))
		e.values[i] = v
	}
	return e
}

func (tr *tokenReader) readUcs2N(chars int) string {
	buf := make([]byte, chars*2)
	tr.r.readFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		protoPanic(err)
	}
	return s
}

// colEncMetadata reads the per-column crypto descriptor: key table
// ordinal, the plaintext type, algorithm and encryption type.
func (tr *tokenReader) colEncMetadata(kt *keyTable) colEncInfo {
	var enc colEncInfo
	if kt != nil {
		enc.ordinal = tr.r.ruint16()
	}
	userType := tr.r.ruint32()
	id := tr.r.rbyte()
	enc.ti = parseTypeInfo(tr.r, id)
	enc.ti.userType = userType

	enc.algID = tr.r.rbyte()
	if enc.algID == 0 {
		// custom algorithm carries its name
		enc.algName = tr.readUcs2N(int(tr.r.rbyte()))
	}
	enc.encType = tr.r.rbyte()
	enc.normRule = tr.r.rbyte()

	if kt != nil {
		if int(enc.ordinal) >= len(kt.entries) {
			protoPanicf("crypto metadata ordinal %d outside the key table", enc.ordinal)
		}
		enc.entry = &kt.entries[enc.ordinal]
	}
	return enc
}

// responseReader is the executor-side view of one response: it
// drains the token channel, tracks per-statement results, and turns
// context cancellation into the attention exchange.
type responseReader struct {
	ch       chan tokenItem
	ctx      context.Context
	sess     *tdsSession
	outs     map[string]interface{}
	rowCount int64
	status   ReturnStatus
	firstErr error
}

func startResponse(ctx context.Context, sess *tdsSession, outs map[string]interface{}) *responseReader {
	ch := make(chan tokenItem, 5)
	go readResponse(sess, ch, outs)
	return &responseReader{ch: ch, ctx: ctx, sess: sess, outs: outs}
}

// next returns the following token item, or nil at the end of the
// response. Cancellation sends an attention request and consumes the
// stream until the server acknowledges it.
func (p *responseReader) next() (tokenItem, error) {
	// prefer delivered tokens over a cancelled context
	select {
	case item, ok := <-p.ch:
		return p.deliver(item, ok)
	default:
	}

	select {
	case item, ok := <-p.ch:
		return p.deliver(item, ok)
	case <-p.ctx.Done():
		if err := sendAttention(p.sess.buf); err != nil {
			return nil, err
		}
		// the acknowledgement may be in the response being read, or
		// in one more response if the server finished just before
		// the attention arrived
		if awaitAttentionAck(p.ch) {
			return nil, p.ctx.Err()
		}
		p.ch = make(chan tokenItem, 5)
		go readResponse(p.sess, p.ch, p.outs)
		if awaitAttentionAck(p.ch) {
			return nil, p.ctx.Err()
		}
		return nil, errors.New("mssql: no attention acknowledgement from the server")
	}
}

func (p *responseReader) deliver(item tokenItem, ok bool) (tokenItem, error) {
	if !ok {
		return nil, nil
	}
	if err, isErr := item.(error); isErr {
		return nil, err
	}
	switch v := item.(type) {
	case doneMsg:
		if v.status&doneCount != 0 {
			p.rowCount += int64(v.rowCount)
		}
		if v.failed() && p.firstErr == nil {
			p.firstErr = v.err()
		}
	case doneInProcMsg:
		if v.status&doneCount != 0 {
			p.rowCount += int64(v.rowCount)
		}
	case ReturnStatus:
		p.status = v
	}
	return item, nil
}

// drain consumes the rest of the response and reports the first
// statement error.
func (p *responseReader) drain() error {
	for {
		item, err := p.next()
		if err != nil {
			return err
		}
		if item == nil {
			return p.firstErr
		}
	}
}

// awaitAttentionAck consumes tokens until a DONE with the attention
// bit. ENVCHANGE records seen on the way still update session state
// in the reader goroutine; everything else is discarded.
func awaitAttentionAck(ch chan tokenItem) bool {
	for item := range ch {
		if d, ok := item.(doneMsg); ok && d.status&doneAttn != 0 {
			return true
		}
	}
	return false
}

// scanIntoOut writes a RETURNVALUE into a caller-supplied output
// destination.
func scanIntoOut(name string, from, into interface{}) error {
	switch dest := into.(type) {
	case *int64:
		if v, ok := from.(int64); ok {
			*dest = v
			return nil
		}
	case *int:
		if v, ok := from.(int64); ok {
			*dest = int(v)
			return nil
		}
	case *string:
		if v, ok := from.(string); ok {
			*dest = v
			return nil
		}
	case *float64:
		if v, ok := from.(float64); ok {
			*dest = v
			return nil
		}
	case *bool:
		if v, ok := from.(bool); ok {
			*dest = v
			return nil
		}
	case *[]byte:
		if v, ok := from.([]byte); ok {
			out := make([]byte, len(v))
			copy(out, v)
			*dest = out
			return nil
		}
	case *interface{}:
		*dest = from
		return nil
	}
	return valueErrorf("@"+name, "cannot scan %T into %T", from, into)
}
