package blobstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultKeyPrefix = "slideforge:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
	prefix string
}

// NewRedis stores blobs in a Redis-compatible server so references survive
// process restarts and can be shared by several renderers.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("blobstore: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("blobstore: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("blobstore: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("blobstore: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("blobstore: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) blobKey(ref string) string { return s.prefix + ref }

func (s *redisStore) indexKey() string { return s.prefix + "refs" }

func (s *redisStore) Put(ctx context.Context, blob Blob) (string, error) {
	if len(blob.Data) == 0 {
		return "", fmt.Errorf("blobstore: put: empty blob")
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("blobstore: redis marshal: %w", err)
	}
	ref := NewRef()
	results := s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.blobKey(ref)).Value(string(payload)).Build(),
		s.client.B().Sadd().Key(s.indexKey()).Member(ref).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return "", fmt.Errorf("blobstore: redis put: %w", err)
		}
	}
	return ref, nil
}

func (s *redisStore) Get(ctx context.Context, ref string) (Blob, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.blobKey(ref)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Blob{}, fmt.Errorf("blobstore: get %s: %w", ref, ErrNotFound)
		}
		return Blob{}, fmt.Errorf("blobstore: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Blob{}, fmt.Errorf("blobstore: redis get bytes: %w", err)
	}
	var blob Blob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return Blob{}, fmt.Errorf("blobstore: redis unmarshal: %w", err)
	}
	return blob, nil
}

func (s *redisStore) Revoke(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	results := s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.blobKey(ref)).Build(),
		s.client.B().Srem().Key(s.indexKey()).Member(ref).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("blobstore: redis revoke: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	size, err := s.client.Do(ctx, s.client.B().Scard().Key(s.indexKey()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("blobstore: redis scard: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
