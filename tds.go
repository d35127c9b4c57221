package mssql

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"sort"
	"unicode/utf16"

	"github.com/google/uuid"
)

const verTDS74 = 0x74000004

// prelogin option ids
// http://msdn.microsoft.com/en-us/library/dd357559.aspx
const (
	preloginVERSION         = 0
	preloginENCRYPTION      = 1
	preloginINSTOPT         = 2
	preloginTHREADID        = 3
	preloginMARS            = 4
	preloginTRACEID         = 5
	preloginFEDAUTHREQUIRED = 6
	preloginTERMINATOR      = 0xff
)

// negotiated encryption levels
const (
	encryptOff    = 0 // available but off
	encryptOn     = 1
	encryptNotSup = 2
	encryptReq    = 3
)

// feature extension ids
const (
	featExtFEDAUTH          byte = 0x02
	featExtCOLUMNENCRYPTION byte = 0x04
	featExtUTF8SUPPORT      byte = 0x0a
	featExtTERMINATOR       byte = 0xff
)

// connState is the connection-global state every session of one
// transport shares: ENVCHANGE records on any session update it
// before the affected message reaches an executor.
type connState struct {
	database     string
	partner      string
	collation    collation
	tranid       uint64
	routedServer string
	routedPort   uint16
}

type tdsSession struct {
	buf      *tdsStream
	state    *connState
	log      optionalLogger
	logFlags uint64
	loginAck loginAckMsg

	// countHandler, when set, observes every DONE token carrying a
	// valid row count.
	countHandler func(rowCount uint64, curCmd uint16)

	aeEnabled  bool
	aeSettings *AlwaysEncryptedSettings

	// set when the connection multiplexes sessions over SMP
	smp *smpConn
}

// IntegratedAuth produces and consumes the opaque byte streams of an
// integrated authentication handshake (SSPI/Kerberos). The token
// acquisition itself lives outside this package.
type IntegratedAuth interface {
	InitialBytes() ([]byte, error)
	NextBytes([]byte) ([]byte, error)
	Free()
}

// UCS-2 string helpers shared by the login and token codecs.

func str2ucs2(s string) []byte {
	enc := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(enc))
	for i, u := range enc {
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

func ucs22str(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("odd length %d for a UCS2 string", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func readUcs2(r io.Reader, chars int) (string, error) {
	buf := make([]byte, chars*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return ucs22str(buf)
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func readUshort(r io.Reader) (uint16, error) {
	var b [2]byte
	_, err := io.ReadFull(r, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

func readBVarChar(r io.Reader) (string, error) {
	n, err := readByte(r)
	if err != nil {
		return "", err
	}
	return readUcs2(r, int(n))
}

func readUsVarChar(r io.Reader) (string, error) {
	n, err := readUshort(r)
	if err != nil {
		return "", err
	}
	return readUcs2(r, int(n))
}

func readBVarByte(r io.Reader) ([]byte, error) {
	n, err := readByte(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err = io.ReadFull(r, buf)
	return buf, err
}

func writeBVarChar(w io.Writer, s string) error {
	buf := str2ucs2(s)
	if len(buf)/2 > 0xff {
		return fmt.Errorf("string of %d characters does not fit B_VARCHAR", len(buf)/2)
	}
	if _, err := w.Write([]byte{byte(len(buf) / 2)}); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func writeUsVarChar(w io.Writer, s string) error {
	buf := str2ucs2(s)
	if len(buf)/2 > 0xffff {
		return fmt.Errorf("string of %d characters does not fit US_VARCHAR", len(buf)/2)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(buf)/2)); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// prelogin

// buildPrelogin assembles the option list for the first message of
// the handshake.
func buildPrelogin(cfg *Config) map[uint8][]byte {
	enc := byte(encryptOff)
	switch cfg.Encryption {
	case EncryptionDisabled:
		enc = encryptNotSup
	case EncryptionOn, EncryptionRequired:
		enc = encryptOn
	}
	mars := byte(0)
	if cfg.MARS {
		mars = 1
	}

	// connection id + activity id + sequence, a fresh trace for this
	// physical connection
	connid, activity := uuid.New(), uuid.New()
	trace := append(append(make([]byte, 0, 36), connid[:]...), activity[:]...)
	trace = append(trace, 0, 0, 0, 0)

	return map[uint8][]byte{
		preloginVERSION:    {0, 0, 0, 0, 0, 0},
		preloginENCRYPTION: {enc},
		preloginINSTOPT:    {0},
		preloginTHREADID:   {0, 0, 0, 0},
		preloginMARS:       {mars},
		preloginTRACEID:    trace,
	}
}

// writePrelogin lays the options out as an offset/length table
// followed by their values.
func writePrelogin(s *tdsStream, fields map[uint8][]byte) error {
	s.beginMsg(packPrelogin, false)

	ids := make([]int, 0, len(fields))
	for id := range fields {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	offset := uint16(5*len(fields) + 1)
	for _, id := range ids {
		v := fields[uint8(id)]
		hdr := [5]byte{byte(id)}
		binary.BigEndian.PutUint16(hdr[1:], offset)
		binary.BigEndian.PutUint16(hdr[3:], uint16(len(v)))
		if _, err := s.Write(hdr[:]); err != nil {
			return err
		}
		offset += uint16(len(v))
	}
	if err := s.WriteByte(preloginTERMINATOR); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.Write(fields[uint8(id)]); err != nil {
			return err
		}
	}
	return s.endMsg()
}

func readPrelogin(s *tdsStream) (map[uint8][]byte, error) {
	pt, err := s.beginRead()
	if err != nil {
		return nil, err
	}
	if pt != packReply {
		return nil, fmt.Errorf("expected a reply to prelogin, got packet type %d", pt)
	}
	body, err := ioutil.ReadAll(s)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty prelogin response")
	}
	fields := map[uint8][]byte{}
	for pos := 0; ; pos += 5 {
		if pos >= len(body) {
			return nil, errors.New("prelogin response without terminator")
		}
		id := body[pos]
		if id == preloginTERMINATOR {
			return fields, nil
		}
		if pos+5 > len(body) {
			return nil, errors.New("truncated prelogin option header")
		}
		off := binary.BigEndian.Uint16(body[pos+1:])
		n := binary.BigEndian.Uint16(body[pos+3:])
		if int(off)+int(n) > len(body) {
			return nil, errors.New("prelogin option outside the response")
		}
		fields[id] = body[off : off+n]
	}
}

// negotiateEncryption folds the server's answer into the effective
// encryption level.
func negotiateEncryption(cfg *Config, fields map[uint8][]byte) (byte, error) {
	v, ok := fields[preloginENCRYPTION]
	if !ok || len(v) != 1 {
		return 0, errors.New("no encryption level in the prelogin response")
	}
	srv := v[0]
	if cfg.Encryption == EncryptionRequired && (srv == encryptNotSup || srv == encryptOff) {
		return 0, errors.New("server does not support the required encryption")
	}
	return srv, nil
}

// login

// feature extension blocks appended after the fixed login fields
type featureExt interface {
	id() byte
	data() []byte
}

type utf8Feature struct{}

func (utf8Feature) id() byte     { return featExtUTF8SUPPORT }
func (utf8Feature) data() []byte { return []byte{1} }

type colEncFeature struct{}

func (colEncFeature) id() byte     { return featExtCOLUMNENCRYPTION }
func (colEncFeature) data() []byte { return []byte{1} } // version 1

func encodeFeatureExts(features []featureExt) []byte {
	if len(features) == 0 {
		return nil
	}
	var out []byte
	for _, f := range features {
		d := f.data()
		hdr := make([]byte, 5)
		hdr[0] = f.id()
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(d)))
		out = append(append(out, hdr...), d...)
	}
	return append(out, featExtTERMINATOR)
}

// option flag bits of the login record
const (
	fUseDB       = 0x20
	fODBC        = 2
	fIntSecurity = 0x80
	fReadOnlyIntent = 0x20 // TypeFlags
	fExtension   = 0x10    // OptionFlags3
)

// the fixed 94 byte login record, followed by the variable fields it
// points into
// http://msdn.microsoft.com/en-us/library/dd304019.aspx
type loginRecord struct {
	Length         uint32
	TDSVersion     uint32
	PacketSize     uint32
	ClientProgVer  uint32
	ClientPID      uint32
	ConnectionID   uint32
	OptionFlags1   uint8
	OptionFlags2   uint8
	TypeFlags      uint8
	OptionFlags3   uint8
	ClientTimeZone int32
	ClientLCID     uint32

	HostNameOffset       uint16
	HostNameLength       uint16
	UserNameOffset       uint16
	UserNameLength       uint16
	PasswordOffset       uint16
	PasswordLength       uint16
	AppNameOffset        uint16
	AppNameLength        uint16
	ServerNameOffset     uint16
	ServerNameLength     uint16
	ExtensionOffset      uint16
	ExtensionLength      uint16
	CtlIntNameOffset     uint16
	CtlIntNameLength     uint16
	LanguageOffset       uint16
	LanguageLength       uint16
	DatabaseOffset       uint16
	DatabaseLength       uint16
	ClientID             [6]byte
	SSPIOffset           uint16
	SSPILength           uint16
	AtchDBFileOffset     uint16
	AtchDBFileLength     uint16
	ChangePasswordOffset uint16
	ChangePasswordLength uint16
	SSPILongLength       uint32
}

// login fields that vary per connection
type loginInfo struct {
	hostName   string
	userName   string
	password   string
	appName    string
	serverName string
	database   string
	sspi       []byte
	typeFlags  uint8
	features   []featureExt
}

// the password travels obfuscated: each UCS-2 byte has its nibbles
// swapped and is xored with 0xA5
func manglePassword(password string) []byte {
	out := str2ucs2(password)
	for i, b := range out {
		out[i] = (b<<4 | b>>4) ^ 0xA5
	}
	return out
}

func sendLogin(s *tdsStream, li loginInfo) error {
	s.beginMsg(packLogin7, false)

	hostname := str2ucs2(li.hostName)
	username := str2ucs2(li.userName)
	password := manglePassword(li.password)
	appname := str2ucs2(li.appName)
	servername := str2ucs2(li.serverName)
	database := str2ucs2(li.database)
	features := encodeFeatureExts(li.features)

	rec := loginRecord{
		TDSVersion:     verTDS74,
		PacketSize:     uint32(s.packetSize()),
		OptionFlags1:   fUseDB,
		OptionFlags2:   fODBC,
		TypeFlags:      li.typeFlags,
		HostNameLength: uint16(len(hostname) / 2),
		UserNameLength: uint16(len(username) / 2),
		PasswordLength: uint16(len(password) / 2),
		AppNameLength:  uint16(len(appname) / 2),
		ServerNameLength: uint16(len(servername) / 2),
		DatabaseLength: uint16(len(database) / 2),
		SSPILength:     uint16(len(li.sspi)),
	}
	if li.sspi != nil {
		rec.OptionFlags2 |= fIntSecurity
	}

	pos := uint16(binary.Size(rec))
	place := func(off *uint16, n int) {
		*off = pos
		pos += uint16(n)
	}
	place(&rec.HostNameOffset, len(hostname))
	place(&rec.UserNameOffset, len(username))
	place(&rec.PasswordOffset, len(password))
	place(&rec.AppNameOffset, len(appname))
	place(&rec.ServerNameOffset, len(servername))
	rec.ExtensionOffset = pos
	if features != nil {
		// the extension field holds a DWORD offset to the feature
		// blocks after all other variable fields
		rec.ExtensionLength = 4
		rec.OptionFlags3 |= fExtension
		pos += 4
	}
	rec.CtlIntNameOffset = pos
	rec.LanguageOffset = pos
	place(&rec.DatabaseOffset, len(database))
	rec.SSPIOffset = pos
	pos += uint16(len(li.sspi))
	rec.AtchDBFileOffset = pos
	rec.ChangePasswordOffset = pos
	featureOffset := uint32(pos)
	rec.Length = uint32(pos) + uint32(len(features))

	if err := binary.Write(s, binary.LittleEndian, &rec); err != nil {
		return err
	}
	for _, chunk := range [][]byte{hostname, username, password, appname, servername} {
		if _, err := s.Write(chunk); err != nil {
			return err
		}
	}
	if features != nil {
		if err := binary.Write(s, binary.LittleEndian, featureOffset); err != nil {
			return err
		}
	}
	if _, err := s.Write(database); err != nil {
		return err
	}
	if _, err := s.Write(li.sspi); err != nil {
		return err
	}
	if features != nil {
		if _, err := s.Write(features); err != nil {
			return err
		}
	}
	return s.endMsg()
}

// stream headers prefixed to batch, RPC, bulk and TM messages
// http://msdn.microsoft.com/en-us/library/dd304953.aspx

type headerStruct struct {
	hdrtype uint16
	data    []byte
}

const dataStmHdrTransDescr = 2

// transaction descriptor header: the current transaction id from
// ENVCHANGE and the outstanding request count
type transDescrHdr struct {
	transDescr        uint64
	outstandingReqCnt uint32
}

func (h transDescrHdr) pack() []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint64(out, h.transDescr)
	binary.LittleEndian.PutUint32(out[8:], h.outstandingReqCnt)
	return out
}

func writeAllHeaders(w io.Writer, headers []headerStruct) error {
	total := uint32(4)
	for _, h := range headers {
		total += uint32(6 + len(h.data))
	}
	if err := binary.Write(w, binary.LittleEndian, total); err != nil {
		return err
	}
	for _, h := range headers {
		if err := binary.Write(w, binary.LittleEndian, uint32(6+len(h.data))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, h.hdrtype); err != nil {
			return err
		}
		if _, err := w.Write(h.data); err != nil {
			return err
		}
	}
	return nil
}

// sessionHeaders builds the all-headers prefix carrying the current
// transaction descriptor.
func (s *tdsSession) sessionHeaders() []headerStruct {
	return []headerStruct{{
		hdrtype: dataStmHdrTransDescr,
		data:    transDescrHdr{s.state.tranid, 1}.pack(),
	}}
}

// sendBatch sends an ad-hoc SQL batch: headers, then the query as
// UCS-2.
func sendBatch(s *tdsStream, query string, headers []headerStruct, reset bool) error {
	s.beginMsg(packSQLBatch, reset)
	if err := writeAllHeaders(s, headers); err != nil {
		return err
	}
	if _, err := s.Write(str2ucs2(query)); err != nil {
		return err
	}
	return s.endMsg()
}

// attention requests cancellation of the in-flight statement; the
// server answers with a DONE carrying the attention bit
// https://msdn.microsoft.com/en-us/library/dd341449.aspx
func sendAttention(s *tdsStream) error {
	s.beginMsg(packAttention, false)
	return s.endMsg()
}

// transaction manager requests
// https://msdn.microsoft.com/en-us/library/dd339887.aspx
const (
	tmBeginXact    = 5
	tmCommitXact   = 7
	tmRollbackXact = 8
)

func sendBeginXact(s *tdsStream, headers []headerStruct, isolation uint8, name string, reset bool) error {
	s.beginMsg(packTransMgrReq, reset)
	if err := writeAllHeaders(s, headers); err != nil {
		return err
	}
	if err := binary.Write(s, binary.LittleEndian, uint16(tmBeginXact)); err != nil {
		return err
	}
	if err := binary.Write(s, binary.LittleEndian, isolation); err != nil {
		return err
	}
	if err := writeBVarChar(s, name); err != nil {
		return err
	}
	return s.endMsg()
}

func sendEndXact(s *tdsStream, headers []headerStruct, rqtype uint16, name string, reset bool) error {
	s.beginMsg(packTransMgrReq, reset)
	if err := writeAllHeaders(s, headers); err != nil {
		return err
	}
	if err := binary.Write(s, binary.LittleEndian, rqtype); err != nil {
		return err
	}
	if err := writeBVarChar(s, name); err != nil {
		return err
	}
	// flags: no nested begin
	if err := binary.Write(s, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}
	return s.endMsg()
}

// connect dials the server and performs the prelogin, TLS and login
// sequence. The returned session is ready for requests; with MARS
// its stream already runs inside SMP session 0.
func connect(ctx context.Context, cfg Config) (*tdsSession, error) {
	cfg.normalize()
	log := optionalLogger{cfg.Logger}
	server := cfg.Server
	port := cfg.Port

	for redirects := 0; ; redirects++ {
		sess, err := connectOnce(ctx, cfg, log, server, port)
		if err != nil {
			return nil, err
		}
		if sess.state.routedServer == "" {
			return sess, nil
		}
		// the server pointed us elsewhere; follow once
		if redirects >= 1 {
			return nil, errors.New("mssql: routing loop")
		}
		server = sess.state.routedServer
		port = int(sess.state.routedPort)
	}
}

func connectOnce(ctx context.Context, cfg Config, log optionalLogger, server string, port int) (*tdsSession, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(server, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("unable to open tcp connection with %s:%d: %v", server, port, err)
	}

	toconn := newTimeoutConn(conn, cfg.ConnTimeout)
	stream := newTdsStream(cfg.PacketSize, toconn)
	sess := &tdsSession{
		buf:      stream,
		state:    &connState{},
		log:      log,
		logFlags: cfg.LogFlags,
	}
	if cfg.ColumnEncryption != nil {
		sess.aeEnabled = true
		sess.aeSettings = cfg.ColumnEncryption
	}

	if err := writePrelogin(stream, buildPrelogin(&cfg)); err != nil {
		toconn.Close()
		return nil, err
	}
	fields, err := readPrelogin(stream)
	if err != nil {
		toconn.Close()
		return nil, err
	}
	encrypt, err := negotiateEncryption(&cfg, fields)
	if err != nil {
		toconn.Close()
		return nil, err
	}

	if encrypt != encryptNotSup {
		tlsConf := tls.Config{
			ServerName:         cfg.HostInCertificate,
			InsecureSkipVerify: !cfg.CheckCertificate,
			// the server expects one TLS record per TDS packet
			DynamicRecordSizingDisabled: true,
		}
		if cfg.Certificate != "" {
			pem, err := ioutil.ReadFile(cfg.Certificate)
			if err != nil {
				toconn.Close()
				return nil, fmt.Errorf("cannot read certificate %q: %v", cfg.Certificate, err)
			}
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(pem)
			tlsConf.RootCAs = pool
		}

		// handshake records travel inside prelogin packets, reusing
		// the packet framing
		hs := tlsHandshakeConn{stream: stream}
		inner := passthroughConn{c: &hs}
		tlsConn := tls.Client(&inner, &tlsConf)
		if err := tlsConn.Handshake(); err != nil {
			toconn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %v", err)
		}
		inner.c = toconn
		stream.transport = tlsConn
		if encrypt == encryptOff {
			// only the login is encrypted; fall back after the next
			// message goes out
			stream.onFirstFlush = func() {
				stream.transport = toconn
			}
		}
	}

	li := loginInfo{
		hostName:   cfg.Workstation,
		appName:    cfg.AppName,
		serverName: server,
		database:   cfg.Database,
		features:   []featureExt{utf8Feature{}},
	}
	if cfg.ReadOnlyIntent {
		li.typeFlags |= fReadOnlyIntent
	}
	if cfg.ColumnEncryption != nil {
		li.features = append(li.features, colEncFeature{})
	}
	if cfg.Auth != nil {
		li.sspi, err = cfg.Auth.InitialBytes()
		if err != nil {
			toconn.Close()
			return nil, err
		}
		defer cfg.Auth.Free()
	} else {
		li.userName = cfg.User
		li.password = cfg.Password
	}

	if err := sendLogin(stream, li); err != nil {
		toconn.Close()
		return nil, err
	}
	if err := processLogin(sess, cfg.Auth); err != nil {
		toconn.Close()
		return nil, err
	}

	if sess.state.routedServer != "" {
		// the caller redials against the routed address
		toconn.Close()
		return sess, nil
	}

	if cfg.MARS {
		// everything after login runs inside SMP frames; the session
		// we logged in on becomes SMP session 0
		smp := newSmpConn(stream.transport, cfg.RateLimit, log, cfg.LogFlags)
		s0, err := smp.OpenSession(ctx)
		if err != nil {
			toconn.Close()
			return nil, err
		}
		sess.buf = newTdsStream(cfg.PacketSize, s0)
		sess.smp = smp
	}
	return sess, nil
}

// processLogin consumes login responses, answering SSPI challenges
// until LOGINACK arrives.
func processLogin(sess *tdsSession, auth IntegratedAuth) error {
	success := false
	for {
		ch := make(chan tokenItem, 5)
		go readResponse(sess, ch, nil)
		sawSSPI := false
		for item := range ch {
			switch v := item.(type) {
			case sspiMsg:
				if auth == nil {
					return errors.New("mssql: server requested integrated auth but none is configured")
				}
				reply, err := auth.NextBytes(v)
				if err != nil {
					return err
				}
				if len(reply) > 0 {
					sess.buf.beginMsg(packSSPIMessage, false)
					if _, err := sess.buf.Write(reply); err != nil {
						return err
					}
					if err := sess.buf.endMsg(); err != nil {
						return err
					}
				}
				sawSSPI = true
			case loginAckMsg:
				success = true
				sess.loginAck = v
			case featureAck:
				if _, ok := v[featExtCOLUMNENCRYPTION]; ok {
					sess.aeEnabled = true
				}
			case doneMsg:
				if v.failed() {
					return fmt.Errorf("login error: %s", v.err().Message)
				}
				if success {
					return nil
				}
			case error:
				return fmt.Errorf("login error: %v", v)
			}
		}
		if !sawSSPI {
			if !success {
				return errors.New("mssql: login failed")
			}
			return nil
		}
	}
}
