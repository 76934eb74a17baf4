package client

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the server's default port.
const DefaultPort = 5656

// Params are resolved connection parameters.
type Params struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
	Timeout  time.Duration
}

// BaseURL returns the HTTP root of the server.
func (p Params) BaseURL() string {
	scheme := "http"
	if p.TLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DSN renders p as a DSN without the password.
func (p Params) DSN() string {
	u := url.URL{
		Scheme: "edgedb",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.User(p.User)
	}
	if p.TLS {
		u.RawQuery = "tls=true"
	}
	return u.String()
}

// ParseDSN parses edgedb://[user[:password]@]host[:port][/database][?tls=..&timeout=..].
// Fields the DSN omits are left zero.
func ParseDSN(dsn string) (Params, error) {
	var p Params
	u, err := url.Parse(dsn)
	if err != nil {
		return p, fmt.Errorf("invalid DSN: %w", err)
	}
	if u.Scheme != "edgedb" {
		return p, fmt.Errorf("invalid DSN: scheme must be edgedb, got %q", u.Scheme)
	}

	p.Host = u.Hostname()
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return p, fmt.Errorf("invalid DSN: bad port %q", port)
		}
		p.Port = n
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	p.Database = strings.TrimPrefix(u.Path, "/")
	if strings.Contains(p.Database, "/") {
		return p, fmt.Errorf("invalid DSN: bad database name %q", p.Database)
	}

	q := u.Query()
	if v := q.Get("tls"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("invalid DSN: bad tls value %q", v)
		}
		p.TLS = b
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return p, fmt.Errorf("invalid DSN: bad timeout %q", v)
		}
		p.Timeout = d
	}
	if v := q.Get("database"); v != "" && p.Database == "" {
		p.Database = v
	}
	return p, nil
}

// Credentials is the per-instance credentials file written by instance
// create and read by --instance.
type Credentials struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password,omitempty"`
	Database    string `json:"database,omitempty"`
	TLSSecurity string `json:"tls_security,omitempty"`
}

// Params converts the credentials to connection parameters.
func (c *Credentials) Params() Params {
	p := Params{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		TLS:      c.TLSSecurity == "strict" || c.TLSSecurity == "no_host_verification",
	}
	if p.Host == "" {
		p.Host = "localhost"
	}
	return p
}

// CredentialsPath returns where the credentials of instance live.
func CredentialsPath(dir, instance string) string {
	return filepath.Join(dir, instance+".json")
}

// ReadCredentials loads a credentials file.
func ReadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	if c.Port == 0 {
		return nil, fmt.Errorf("credentials %s: port is required", path)
	}
	return &c, nil
}

// WriteCredentials stores c at path, readable only by the owner.
func WriteCredentials(path string, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ResolveOptions gathers every source of connection parameters.
type ResolveOptions struct {
	DSN            string
	Instance       string
	CredentialsDir string

	// Explicit flags; zero values mean "not given".
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Defaults Params
}

// Resolve picks connection parameters. An explicit DSN wins, then the
// named instance's credentials, then flags, then defaults. A database or
// password flag still applies on top of a DSN or instance that leaves it
// unset.
func Resolve(o ResolveOptions) (Params, error) {
	p := o.Defaults

	switch {
	case o.DSN != "":
		d, err := ParseDSN(o.DSN)
		if err != nil {
			return p, err
		}
		p = overlay(p, d)
		if d.Database == "" && o.Database != "" {
			p.Database = o.Database
		}
		if d.Password == "" && o.Password != "" {
			p.Password = o.Password
		}
	case o.Instance != "":
		c, err := ReadCredentials(CredentialsPath(o.CredentialsDir, o.Instance))
		if err != nil {
			return p, fmt.Errorf("instance %q: %w", o.Instance, err)
		}
		p = overlay(p, c.Params())
		if o.Database != "" {
			p.Database = o.Database
		}
		if o.Password != "" {
			p.Password = o.Password
		}
	default:
		p = overlay(p, Params{
			Host:     o.Host,
			Port:     o.Port,
			User:     o.User,
			Password: o.Password,
			Database: o.Database,
		})
	}

	if p.Host == "" {
		p.Host = "localhost"
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.User == "" {
		p.User = "edgedb"
	}
	if p.Database == "" {
		p.Database = p.User
	}
	return p, nil
}

func overlay(base, top Params) Params {
	if top.Host != "" {
		base.Host = top.Host
	}
	if top.Port != 0 {
		base.Port = top.Port
	}
	if top.User != "" {
		base.User = top.User
	}
	if top.Password != "" {
		base.Password = top.Password
	}
	if top.Database != "" {
		base.Database = top.Database
	}
	if top.TLS {
		base.TLS = true
	}
	if top.Timeout != 0 {
		base.Timeout = top.Timeout
	}
	return base
}
