/*
 * MIT License
 *
 * Copyright (c) 2025 relayd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package connection

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/tlsctx"
)

// writeSelfSignedKeyPair generates an ephemeral ECDSA cert/key pair on
// disk for exercising tlsctx.Context without a fixture checked into the
// repo.
func writeSelfSignedKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestTLSHandshakeAndDataExchangeOverSocketpair(t *testing.T) {
	r, log := newTestSetup(t)
	bl := blacklist.New(3)

	certFile, keyFile := writeSelfSignedKeyPair(t)

	serverCtx := tlsctx.New(tlsctx.RoleServer, log, &tlsctx.Config{CertFile: certFile, KeyFile: keyFile, ServerName: "localhost"})
	clientCtx := tlsctx.New(tlsctx.RoleClient, log, &tlsctx.Config{ServerName: "localhost", InsecureSkipVerify: true})

	fdServer, fdClient := socketpair(t)

	server, err := New(r, nil, bl, log, fdServer, Options{Mode: ModeNormal, TLS: serverCtx, TLSRole: tlsctx.RoleServer})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	client, err := New(r, nil, bl, log, fdClient, Options{Mode: ModeNormal, TLS: clientCtx, TLSRole: tlsctx.RoleClient})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}

	var serverUp, clientUp bool
	server.Connected().Register(nil, func(receiver, sender any, _ struct{}) { serverUp = true }, 0)
	client.Connected().Register(nil, func(receiver, sender any, _ struct{}) { clientUp = true }, 0)

	var got []byte
	server.DataReceived().Register(nil, func(receiver, sender any, args *DataReceivedArgs) {
		got = append(got, args.Buf...)
	}, 0)

	pollUntil(t, r, 3*time.Second, func() bool { return serverUp && clientUp })

	if err := client.Write([]byte("secret"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pollUntil(t, r, 3*time.Second, func() bool { return bytes.Equal(got, []byte("secret")) })
}

func TestEnqueueWriteRejectsSeventeenthPendingRecord(t *testing.T) {
	p := &tlsPump{writeCh: make(chan tlsWrite, numWriteRecords)}

	for i := 0; i < numWriteRecords; i++ {
		if err := p.enqueueWrite([]byte("x"), i); err != nil {
			t.Fatalf("enqueueWrite %d: %v", i, err)
		}
	}
	if len(p.writeCh) != numWriteRecords {
		t.Fatalf("got %d queued writes, want %d", len(p.writeCh), numWriteRecords)
	}

	if err := p.enqueueWrite([]byte("overflow"), "should-fail"); err != ErrWriteQueueFull {
		t.Fatalf("got err=%v, want ErrWriteQueueFull", err)
	}
	if len(p.writeCh) != numWriteRecords {
		t.Fatalf("FIFO size changed after a rejected write: got %d, want %d", len(p.writeCh), numWriteRecords)
	}
}
