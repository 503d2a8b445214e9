package grpcserver

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"platesolver/internal/errors"
)

// DialOptions configures a client connection to a remote solver.
type DialOptions struct {
	// Insecure disables TLS.
	Insecure bool
	// CACertPath verifies the server against this PEM bundle instead of
	// the system roots.
	CACertPath string
	// CertPath and KeyPath present a client certificate.
	CertPath string
	KeyPath  string
}

// Dial connects to a Solver service at addr. The connection is lazy; the
// first call establishes it.
func Dial(addr string, opts DialOptions) (*grpc.ClientConn, error) {
	var dialOpts []grpc.DialOption

	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := opts.tlsConfig()
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	dialOpts = append(dialOpts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "dial %s", addr)
	}
	return conn, nil
}

func (o DialOptions) tlsConfig() (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if o.CACertPath != "" {
		caCert, err := os.ReadFile(o.CACertPath)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "read CA cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.Inputf("no certificates in %s", o.CACertPath)
		}
		config.RootCAs = pool
	}

	if (o.CertPath == "") != (o.KeyPath == "") {
		return nil, errors.Inputf("client certificate and key must be given together")
	}
	if o.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "load client cert")
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
