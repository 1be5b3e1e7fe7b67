package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// AddrBook resolves a node id to a dialable address.
type AddrBook func(peer keys.NodeID) (string, error)

// QuicTransport dials and accepts sync connections over QUIC. The
// node identity is the ed25519 key of the self-signed TLS
// certificate, so both sides learn an authenticated NodeID from the
// handshake.
type QuicTransport struct {
	secret   ed25519.PrivateKey
	tlsCert  tls.Certificate
	addrBook AddrBook
	listener *quic.Listener
}

// NewQuicTransport builds a transport around the node's ed25519
// identity key.
func NewQuicTransport(secret ed25519.PrivateKey, addrBook AddrBook) (*QuicTransport, error) {
	cert, err := selfSignedCert(secret)
	if err != nil {
		return nil, err
	}
	return &QuicTransport{secret: secret, tlsCert: cert, addrBook: addrBook}, nil
}

// NodeID returns the local node identity.
func (t *QuicTransport) NodeID() keys.NodeID {
	var id keys.NodeID
	copy(id[:], t.secret.Public().(ed25519.PublicKey))
	return id
}

func selfSignedCert(secret ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ouroboros-docs"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, secret.Public(), secret)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: secret}, nil
}

func (t *QuicTransport) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		NextProtos:   []string{ALPN},
		// Peers authenticate by key, not by CA chain; the handshake
		// still proves possession of the certificate key.
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
	}
}

// Listen binds the transport to a UDP address.
func (t *QuicTransport) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, t.tlsConfig(), nil)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	t.listener = ln
	return nil
}

// Accept waits for an inbound connection.
func (t *QuicTransport) Accept(ctx context.Context) (Conn, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("transport: not listening")
	}
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	remote, err := remoteNodeID(conn)
	if err != nil {
		_ = conn.CloseWithError(0, "unauthenticated")
		return nil, err
	}
	return &quicConn{conn: conn, remote: remote}, nil
}

// Dial connects to a peer resolved through the address book.
func (t *QuicTransport) Dial(ctx context.Context, peer keys.NodeID) (Conn, error) {
	if t.addrBook == nil {
		return nil, fmt.Errorf("transport: no address book configured")
	}
	addr, err := t.addrBook(peer)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", peer, err)
	}
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	remote, err := remoteNodeID(conn)
	if err != nil {
		_ = conn.CloseWithError(0, "unauthenticated")
		return nil, err
	}
	if !remote.Equal(peer) {
		_ = conn.CloseWithError(0, "peer identity mismatch")
		return nil, fmt.Errorf("transport: dialed %s but reached %s", peer, remote)
	}
	return &quicConn{conn: conn, remote: remote}, nil
}

// Close releases the listener.
func (t *QuicTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func remoteNodeID(conn quic.Connection) (keys.NodeID, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return keys.NodeID{}, fmt.Errorf("transport: peer sent no certificate")
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return keys.NodeID{}, fmt.Errorf("transport: peer certificate is not ed25519")
	}
	return keys.NodeIDFromBytes(pub)
}

type quicConn struct {
	conn   quic.Connection
	remote keys.NodeID
}

func (c *quicConn) RemoteNode() keys.NodeID { return c.remote }

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return s, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return s, nil
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "done")
}

var _ Dialer = (*QuicTransport)(nil)
var _ Listener = (*QuicTransport)(nil)
