package driver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"chat-realtime/internal/platform/logger"
)

// tlsFiles 存儲連線的 TLS 檔案設定（Mongo 與 Redis 共用）
type tlsFiles struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

// load 讀取 CA 與客戶端證書；未指定 CA 時使用系統根證書
func (f tlsFiles) load(target string) (*tls.Config, error) {
	conf := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.SkipVerify {
		conf.InsecureSkipVerify = true
		logger.LogWarnf("%s TLS 證書驗證已跳過", target)
		return conf, nil
	}

	if f.CAFile != "" {
		pem, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("讀取 %s CA 證書失敗: %w", target, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s CA 證書格式錯誤: %s", target, f.CAFile)
		}
		conf.RootCAs = pool
	}

	switch {
	case f.CertFile != "" && f.KeyFile != "":
		pair, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("載入 %s 客戶端證書失敗: %w", target, err)
		}
		conf.Certificates = []tls.Certificate{pair}
	case f.CertFile != "" || f.KeyFile != "":
		return nil, fmt.Errorf("%s 客戶端證書與私鑰需同時設定", target)
	}
	return conf, nil
}
