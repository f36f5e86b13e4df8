package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

// SelfSignedCommonName is the subject common name of
// certificates generated by ServerTLS
const SelfSignedCommonName = "standby-primary"

// ErrSubjectMismatch is returned during the handshake when the
// primary's certificate subject does not match the configured pattern
var ErrSubjectMismatch = errors.New("server certificate subject does not match pattern")

// ClientTLS builds the TLS configuration a standby uses to talk to
// its primary. chainFile and keyFile, when both are set, provide the
// client certificate. The primary's certificate chain is not verified.
// If subjectPattern is set the subject of the primary's certificate,
// formatted like "CN=name,O=org", must match it.
func ClientTLS(keyFile string, chainFile string, subjectPattern string) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}

	if keyFile != "" && chainFile != "" {
		certificate, err := tls.LoadX509KeyPair(chainFile, keyFile)

		if err != nil {
			return nil, fmt.Errorf("could not load client certificate: %w", err)
		}

		config.Certificates = []tls.Certificate{certificate}
	}

	if subjectPattern == "" {
		return config, nil
	}

	pattern, err := regexp.Compile(subjectPattern)

	if err != nil {
		return nil, fmt.Errorf("bad server subject pattern %q: %w", subjectPattern, err)
	}

	config.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrSubjectMismatch
		}

		certificate, err := x509.ParseCertificate(rawCerts[0])

		if err != nil {
			return err
		}

		if subject := certificate.Subject.String(); !pattern.MatchString(subject) {
			return fmt.Errorf("%w: %s", ErrSubjectMismatch, subject)
		}

		return nil
	}

	return config, nil
}

// ServerTLS builds the TLS configuration a primary serves with. If
// keyFile and chainFile are empty a self-signed certificate is generated.
// Client certificates are requested but not required.
func ServerTLS(keyFile string, chainFile string) (*tls.Config, error) {
	var certificate tls.Certificate
	var err error

	if keyFile == "" && chainFile == "" {
		certificate, err = selfSigned()
	} else {
		certificate, err = tls.LoadX509KeyPair(chainFile, keyFile)
	}

	if err != nil {
		return nil, fmt.Errorf("could not load server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		ClientAuth:   tls.RequestClientCert,
	}, nil
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))

	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: SelfSignedCommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{SelfSignedCommonName, "localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)

	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
