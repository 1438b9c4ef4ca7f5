package proxmox

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultPort    = 8006
	DefaultRealm   = "pam"
	DefaultTimeout = 30 * time.Second
)

// Config holds the static connection settings for one Proxmox VE endpoint.
type Config struct {
	// Host is the hostname or IP of any cluster node.
	Host string `validate:"required"`

	// Port is the API port (default 8006).
	Port int `validate:"gte=1,lte=65535"`

	// Username may be realm-qualified ("root@pam"). When it is not, Realm
	// is appended.
	Username string `validate:"required"`
	Realm    string
	Password string `validate:"required"`

	// InsecureSkipVerify disables certificate validation. Off unless set.
	InsecureSkipVerify bool

	// CACertFile is an optional PEM bundle trusted in addition to the
	// system pool, typically the cluster's pve-root-ca.pem.
	CACertFile string

	// Timeout bounds every HTTP round trip (default 30s).
	Timeout time.Duration `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Validate checks required fields after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
			}
			return errors.WithHint(
				errors.Newf("invalid proxmox config: %s", strings.Join(fields, ", ")),
				"set PROXMOX_HOST, PROXMOX_USERNAME and PROXMOX_PASSWORD",
			)
		}
		return errors.Wrap(err, "invalid proxmox config")
	}
	return nil
}

// QualifiedUsername returns the username with its realm.
func (c Config) QualifiedUsername() string {
	c = c.withDefaults()
	if strings.Contains(c.Username, "@") {
		return c.Username
	}
	return c.Username + "@" + c.Realm
}

func (c Config) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.InsecureSkipVerify {
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	if c.CACertFile == "" {
		return tc, nil
	}

	pem, err := os.ReadFile(c.CACertFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading CA certificate %s", c.CACertFile)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Newf("no certificates found in %s", c.CACertFile)
	}
	tc.RootCAs = pool
	return tc, nil
}
