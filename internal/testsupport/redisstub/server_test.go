package redisstub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"

	redis "github.com/redis/go-redis/v9"
)

func TestStartRequiresPassword(t *testing.T) {
	srv, err := Start(Options{Password: "secret"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	ctx := context.Background()

	anon := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer anon.Close()
	if err := anon.Set(ctx, "k", "v", 0).Err(); err == nil {
		t.Fatal("unauthenticated write succeeded")
	}

	authed := redis.NewClient(&redis.Options{Addr: srv.Addr(), Password: "secret"})
	defer authed.Close()
	if err := authed.HSet(ctx, "policy", "enabled", "true").Err(); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if got := srv.HGet("policy", "enabled"); got != "true" {
		t.Fatalf("stored value = %q", got)
	}
}

func TestStartTLS(t *testing.T) {
	srv, err := Start(Options{EnableTLS: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(srv.CertPEM()) {
		t.Fatal("CertPEM is not a PEM certificate")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      srv.Addr(),
		TLSConfig: &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", MinVersion: tls.VersionTLS12},
	})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("Ping over TLS: %v", err)
	}
}

func TestCertPEMEmptyWithoutTLS(t *testing.T) {
	srv, err := Start(Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()
	if len(srv.CertPEM()) != 0 {
		t.Fatal("plain server returned a certificate")
	}
}
