package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"time"
)

const (
	devCertFile = "dev_cert.pem"
	devKeyFile  = "dev_key.pem"

	// 浏览器对 WebTransport 自签名证书要求有效期不超过 14 天
	devCertValidity = 10 * 24 * time.Hour
)

func newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", "webtransport"},
		MinVersion:   tls.VersionTLS13,
	}
}

// generateSelfSignedTLSConfig 加载或生成开发用自签名证书
func generateSelfSignedTLSConfig(logger *slog.Logger) (*tls.Config, error) {
	if cert, err := tls.LoadX509KeyPair(devCertFile, devKeyFile); err == nil {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil && time.Now().Before(leaf.NotAfter) {
			logger.Info("Loaded existing dev certificate", "cert", devCertFile)
			return newTLSConfig(cert), nil
		}
	}

	logger.Info("Generating new dev certificate")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Messenger Dev"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(devCertValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// 写文件失败不影响本次启动，下次重新生成
	if err := os.WriteFile(devCertFile, certPEM, 0644); err != nil {
		logger.Warn("Dev certificate not saved", "error", err)
	} else if err := os.WriteFile(devKeyFile, keyPEM, 0600); err != nil {
		logger.Warn("Dev key not saved", "error", err)
	} else {
		logger.Info("Dev certificate saved", "cert", devCertFile, "key", devKeyFile)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return newTLSConfig(cert), nil
}
