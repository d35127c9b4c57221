package mssql

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// EncryptionMode is the client's stance on transport encryption.
type EncryptionMode int

const (
	// EncryptionOff encrypts the login only, when the server allows.
	EncryptionOff EncryptionMode = iota
	// EncryptionOn encrypts the whole connection.
	EncryptionOn
	// EncryptionRequired fails the connection when the server cannot
	// encrypt.
	EncryptionRequired
	// EncryptionDisabled advertises no encryption support at all.
	EncryptionDisabled
)

// Config carries everything needed to open a connection.
type Config struct {
	Server   string
	Port     int
	User     string
	Password string
	Database string
	AppName  string

	Encryption        EncryptionMode
	CheckCertificate  bool
	Certificate       string
	HostInCertificate string

	MARS           bool
	RateLimit      uint32 // outgoing packets per second, 0 = unlimited
	ReadOnlyIntent bool
	PacketSize     uint16

	DialTimeout time.Duration
	ConnTimeout time.Duration
	KeepAlive   time.Duration

	Workstation string
	LogFlags    uint64
	Logger      Logger

	// ColumnEncryption enables transparent decryption of Always
	// Encrypted columns.
	ColumnEncryption *AlwaysEncryptedSettings

	// Auth supplies integrated authentication tokens; nil selects
	// SQL Server authentication with User/Password.
	Auth IntegratedAuth
}

func defaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Port:        1433,
		AppName:     "tdswire",
		PacketSize:  4096,
		DialTimeout: 15 * time.Second,
		KeepAlive:   30 * time.Second,
		Workstation: hostname,
	}
}

// normalize fills defaults and clamps the packet size to the range
// the protocol allows.
func (c *Config) normalize() {
	d := defaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Server == "" || c.Server == "." || strings.EqualFold(c.Server, "(local)") {
		c.Server = "localhost"
	}
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.Workstation == "" {
		c.Workstation = d.Workstation
	}
	if c.PacketSize == 0 {
		c.PacketSize = d.PacketSize
	} else if c.PacketSize < 512 {
		c.PacketSize = 512
	} else if c.PacketSize > 32767 {
		c.PacketSize = 32767
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.HostInCertificate == "" {
		c.HostInCertificate = c.Server
	}
}

// ParseDSN understands two shapes:
//
//	server=host;user id=sa;password=pw;database=db
//	sqlserver://sa:pw@host:1433?database=db
func ParseDSN(dsn string) (Config, error) {
	var params map[string]string
	var err error
	if strings.HasPrefix(dsn, "sqlserver://") {
		params, err = splitURL(dsn)
	} else {
		params, err = splitKeyValue(dsn)
	}
	if err != nil {
		return Config{}, err
	}
	return configFromParams(params)
}

func splitKeyValue(dsn string) (map[string]string, error) {
	res := map[string]string{}
	for _, part := range strings.Split(dsn, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key == "" {
			continue
		}
		value := ""
		if len(kv) == 2 {
			value = strings.TrimSpace(kv[1])
		}
		res[key] = value
	}
	return res, nil
}

func splitURL(dsn string) (map[string]string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	res := map[string]string{"server": u.Hostname()}
	if p := u.Port(); p != "" {
		res["port"] = p
	}
	if u.User != nil {
		res["user id"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			res["password"] = pw
		}
	}
	for k, v := range u.Query() {
		if len(v) > 1 {
			return nil, fmt.Errorf("parameter %q given more than once", k)
		}
		res[strings.ToLower(k)] = v[0]
	}
	return res, nil
}

func configFromParams(params map[string]string) (Config, error) {
	cfg := Config{
		Server:   params["server"],
		User:     params["user id"],
		Password: params["password"],
		Database: params["database"],
		AppName:  params["app name"],
	}

	var err error
	if v, ok := params["port"]; ok {
		cfg.Port, err = strconv.Atoi(v)
		if err != nil || cfg.Port <= 0 || cfg.Port > 0xffff {
			return cfg, fmt.Errorf("invalid tcp port %q", v)
		}
	}
	if v, ok := params["packet size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid packet size %q", v)
		}
		cfg.PacketSize = uint16(n)
	}
	if v, ok := params["encrypt"]; ok {
		switch strings.ToLower(v) {
		case "disable":
			cfg.Encryption = EncryptionDisabled
		case "false", "0":
			cfg.Encryption = EncryptionOff
		case "true", "1":
			cfg.Encryption = EncryptionOn
		case "required":
			cfg.Encryption = EncryptionRequired
		default:
			return cfg, fmt.Errorf("invalid encrypt value %q", v)
		}
	}
	if v, ok := params["trustservercertificate"]; ok {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid trustservercertificate value %q", v)
		}
		cfg.CheckCertificate = !trust
	}
	cfg.Certificate = params["certificate"]
	cfg.HostInCertificate = params["hostnameincertificate"]
	if v, ok := params["mars"]; ok {
		if cfg.MARS, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("invalid mars value %q", v)
		}
	}
	if v, ok := params["packet rate limit"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid packet rate limit %q", v)
		}
		cfg.RateLimit = uint32(n)
	}
	if v, ok := params["applicationintent"]; ok {
		if strings.EqualFold(v, "ReadOnly") {
			if cfg.Database == "" {
				return cfg, fmt.Errorf("ApplicationIntent=ReadOnly requires a database")
			}
			cfg.ReadOnlyIntent = true
		}
	}
	if v, ok := params["dial timeout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid dial timeout %q", v)
		}
		cfg.DialTimeout = time.Duration(n) * time.Second
	}
	if v, ok := params["connection timeout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid connection timeout %q", v)
		}
		cfg.ConnTimeout = time.Duration(n) * time.Second
	}
	if v, ok := params["keepalive"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid keepalive %q", v)
		}
		cfg.KeepAlive = time.Duration(n) * time.Second
	}
	if v, ok := params["workstation id"]; ok {
		cfg.Workstation = v
	}
	if v, ok := params["log"]; ok {
		if cfg.LogFlags, err = strconv.ParseUint(v, 10, 64); err != nil {
			return cfg, fmt.Errorf("invalid log value %q", v)
		}
	}
	return cfg, nil
}
