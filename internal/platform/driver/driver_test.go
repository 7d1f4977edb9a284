package driver

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chat-realtime/internal/platform/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMongoClientOptions(t *testing.T) {
	t.Setenv("MONGO_USERNAME", "env-user")
	t.Setenv("MONGO_PASSWORD", "env-pass")

	testCases := []struct {
		name     string
		cfg      config.MongoConfig
		wantUser string
		wantErr  bool
	}{
		{
			name:     "credentials from env",
			cfg:      config.MongoConfig{URL: "mongodb://localhost:27017"},
			wantUser: "env-user",
		},
		{
			name:     "config overrides env",
			cfg:      config.MongoConfig{URL: "mongodb://localhost:27017", Username: "cfg-user", Password: "cfg-pass"},
			wantUser: "cfg-user",
		},
		{
			name:    "bad uri",
			cfg:     config.MongoConfig{URL: "postgres://nope"},
			wantErr: true,
		},
		{
			name:    "pool sizes inverted",
			cfg:     config.MongoConfig{URL: "mongodb://localhost:27017", MaxPoolSize: 5, MinPoolSize: 10},
			wantErr: true,
		},
		{
			name:    "tls with missing ca",
			cfg:     config.MongoConfig{URL: "mongodb://localhost:27017", TLSEnabled: true, TLSCAFile: "/does/not/exist.pem"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := MongoClientOptions(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, opts.Auth)
			assert.Equal(t, tc.wantUser, opts.Auth.Username)
			require.NotNil(t, opts.AppName)
			assert.Equal(t, mongoAppName, *opts.AppName)
			require.NotNil(t, opts.ConnectTimeout)
			assert.Equal(t, mongoConnectTimeout, *opts.ConnectTimeout)
		})
	}
}

func TestMongoClientOptionsPoolAndTimeouts(t *testing.T) {
	t.Setenv("MONGO_USERNAME", "")
	t.Setenv("MONGO_PASSWORD", "")

	opts, err := MongoClientOptions(config.MongoConfig{
		URL:                    "mongodb://localhost:27017",
		MaxPoolSize:            50,
		MinPoolSize:            5,
		MaxConnIdleTime:        300,
		ConnectTimeout:         3,
		ServerSelectionTimeout: 2,
		TLSEnabled:             true,
		TLSInsecureSkipVerify:  true,
	})
	require.NoError(t, err)

	assert.Nil(t, opts.Auth)
	assert.Equal(t, uint64(50), *opts.MaxPoolSize)
	assert.Equal(t, uint64(5), *opts.MinPoolSize)
	assert.Equal(t, 300*time.Second, *opts.MaxConnIdleTime)
	assert.Equal(t, 3*time.Second, *opts.ConnectTimeout)
	assert.Equal(t, 2*time.Second, *opts.ServerSelectionTimeout)
	require.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.TLSConfig.InsecureSkipVerify)
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions(config.RedisConfig{
		Addr:         "redis:6379",
		DB:           2,
		PoolSize:     20,
		DialTimeout:  5,
		ReadTimeout:  10,
		WriteTimeout: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Equal(t, 10*time.Second, opts.ReadTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	assert.Nil(t, opts.TLSConfig)

	// 未設定的欄位保留 go-redis 預設
	opts, err = RedisOptions(config.RedisConfig{Addr: "redis:6379"})
	require.NoError(t, err)
	assert.Zero(t, opts.PoolSize)
	assert.Zero(t, opts.ReadTimeout)
}

func TestTLSFiles(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	testCases := []struct {
		name    string
		files   tlsFiles
		wantErr bool
	}{
		{name: "system roots", files: tlsFiles{}},
		{name: "skip verify", files: tlsFiles{SkipVerify: true, CAFile: "/ignored"}},
		{name: "missing ca", files: tlsFiles{CAFile: filepath.Join(dir, "missing.pem")}, wantErr: true},
		{name: "invalid ca", files: tlsFiles{CAFile: garbage}, wantErr: true},
		{name: "cert without key", files: tlsFiles{CertFile: garbage}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf, err := tc.files.load("test")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
			assert.Equal(t, tc.files.SkipVerify, conf.InsecureSkipVerify)
		})
	}
}

func TestPingWithoutConnection(t *testing.T) {
	assert.Error(t, PingMongo(t.Context()))
	assert.NoError(t, CloseMongo())
	assert.NoError(t, CloseRedis())
}
