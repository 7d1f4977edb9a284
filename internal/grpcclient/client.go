// Package grpcclient 查詢管理用 gRPC 健康檢查服務（CLI probe 子命令使用）.
package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Config 客戶端配置
type Config struct {
	Address    string
	TLSEnabled bool
	CAFile     string
	ServerName string
}

// Dial 創建 gRPC 客戶端連接
func Dial(cfg Config, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if cfg.TLSEnabled {
		tlsConfig, err := loadTLSConfig(cfg.CAFile, cfg.ServerName)
		if err != nil {
			return nil, fmt.Errorf("加載 TLS 配置失敗: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("連接 gRPC 服務失敗: %w", err)
	}
	return conn, nil
}

// loadTLSConfig 加載 TLS 配置；沒有 CA 檔時使用系統憑證
func loadTLSConfig(caFile, serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if caFile == "" {
		return tlsConfig, nil
	}

	// #nosec G304 -- path comes from operator flags
	caCert, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("讀取證書文件失敗: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("添加證書到證書池失敗")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Probe 查詢 service 的健康狀態；空字串代表整體狀態
func Probe(ctx context.Context, conn grpc.ClientConnInterface, service string) (*healthpb.HealthCheckResponse, error) {
	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

// ProbeAll 查詢整體與各依賴的狀態
func ProbeAll(ctx context.Context, conn grpc.ClientConnInterface, services ...string) (map[string]healthpb.HealthCheckResponse_ServingStatus, error) {
	result := make(map[string]healthpb.HealthCheckResponse_ServingStatus, len(services)+1)
	for _, service := range append([]string{""}, services...) {
		resp, err := Probe(ctx, conn, service)
		if err != nil {
			return nil, fmt.Errorf("查詢 %q 失敗: %w", service, err)
		}
		result[service] = resp.GetStatus()
	}
	return result, nil
}

// FormatJSON 以 protojson 輸出回應
func FormatJSON(resp *healthpb.HealthCheckResponse) (string, error) {
	out, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
