package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smartcampus/telemetryd/pkg/util"
	"github.com/smartcampus/telemetryd/pkg/util/rand"
)

// DefaultReconnectInterval is the fixed backoff between reconnection
// attempts after the broker connection is lost.
const DefaultReconnectInterval = 5 * time.Second

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML.
// Certificates may be given as file paths or inline PEM.
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	CACert             string `json:"caCert,omitempty" yaml:"caCert,omitempty"`
	ClientCert         string `json:"clientCert,omitempty" yaml:"clientCert,omitempty"`
	ClientKey          string `json:"clientKey,omitempty" yaml:"clientKey,omitempty"`
}

// ClientOptions is the configurable subset of the underlying transport's
// options, shaped for config-file decoding.
type ClientOptions struct {
	Servers           []string      `json:"servers" yaml:"servers"`
	ClientID          string        `json:"clientID" yaml:"clientID"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"password" yaml:"password"`
	TLS               *TLSOptions   `json:"tls,omitempty" yaml:"tls,omitempty"`
	KeepAlive         int64         `json:"keepAlive,omitempty" yaml:"keepAlive,omitempty"` // seconds
	ConnectTimeout    time.Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	ReconnectInterval time.Duration `json:"reconnectInterval,omitempty" yaml:"reconnectInterval,omitempty"`
	CleanSession      bool          `json:"cleanSession" yaml:"cleanSession"`
}

func convertToPahoOptions(opts *ClientOptions) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	for _, server := range opts.Servers {
		u, err := url.Parse(server)
		if err != nil {
			return nil, fmt.Errorf("failed to parse server URL %s: %w", server, err)
		}
		pahoOpts.AddBroker(u.String())
	}

	if opts.ClientID != "" {
		pahoOpts.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		tlsConfig, err := createTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsConfig != nil {
			pahoOpts.SetTLSConfig(tlsConfig)
		}
	}
	if opts.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(time.Duration(opts.KeepAlive) * time.Second)
	}
	if opts.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(opts.ConnectTimeout)
	}

	// Reconnection is transport-internal at a fixed interval; the service
	// never drives it.
	reconnect := opts.ReconnectInterval
	if reconnect <= 0 {
		reconnect = DefaultReconnectInterval
	}
	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetMaxReconnectInterval(reconnect)
	pahoOpts.SetConnectRetryInterval(reconnect)

	pahoOpts.SetCleanSession(opts.CleanSession)
	pahoOpts.SetOrderMatters(false)

	return pahoOpts, nil
}

func setDefaultOptions(opts *mqtt.ClientOptions) {
	if len(opts.Servers) == 0 {
		opts.AddBroker(util.GetEnvOrDefault("TELEMETRYD_MQTT_BROKER", "tcp://127.0.0.1:1883"))
	}
	if opts.Username == "" {
		opts.SetUsername(os.Getenv("TELEMETRYD_MQTT_USERNAME"))
	}
	if opts.Password == "" {
		opts.SetPassword(os.Getenv("TELEMETRYD_MQTT_PASSWORD"))
	}
	if opts.ClientID == "" {
		opts.SetClientID(fmt.Sprintf("telemetryd-%s", rand.NewName()))
	}
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	if tlsOpts == nil {
		return nil, nil
	}

	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		pool, err := loadCACertPool(tlsOpts)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	if (tlsOpts.CertFile != "" && tlsOpts.KeyFile != "") ||
		(tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "") {
		cert, err := loadClientCert(tlsOpts)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

func loadCACertPool(tlsOpts *TLSOptions) (*x509.CertPool, error) {
	var caCert []byte
	if tlsOpts.CAFile != "" {
		var err error
		caCert, err = os.ReadFile(tlsOpts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
	} else {
		caCert = []byte(tlsOpts.CACert)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}

func loadClientCert(tlsOpts *TLSOptions) (tls.Certificate, error) {
	var cert tls.Certificate
	var err error

	if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
	} else {
		cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return cert, nil
}
