package auth

import (
	"testing"
	"time"

	"github.com/turngate/turngate/internal/stunmsg"
)

func build(t *testing.T, setters ...stunmsg.Setter) *stunmsg.Message {
	t.Helper()
	m := stunmsg.New()
	if err := m.Build(stunmsg.BindingRequest, setters...); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestStatic_Auth(t *testing.T) {
	var (
		s = NewStatic([]StaticCredential{
			{Username: "username", Realm: "realm", Password: "password"},
		})
		key = stunmsg.MessageIntegrity(
			stunmsg.NewLongTermIntegrityKey("username", "realm", "password"),
		)
		u = stunmsg.Username("username")
	)
	for _, tc := range []struct {
		name string
		m    *stunmsg.Message
		ok   bool
	}{
		{
			name: "positive",
			m:    build(t, u, key),
			ok:   true,
		},
		{
			name: "negative",
			m: build(t, u, stunmsg.MessageIntegrity(
				stunmsg.NewLongTermIntegrityKey("username", "realm", "password2"),
			)),
			ok: false,
		},
		{
			name: "bad username",
			m:    build(t, stunmsg.Username("user"), key),
			ok:   false,
		},
		{
			name: "no username",
			m:    build(t, key),
			ok:   false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gotKey, err := s.Auth(tc.m)
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Error(err)
			}
			r := build(t, u, gotKey)
			if _, err = s.Auth(r); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestNoAuth_Auth(t *testing.T) {
	var a NoAuth
	m := build(t)
	if _, err := a.Auth(m); err != nil {
		t.Error(err)
	}
}

func TestShortTerm_Auth(t *testing.T) {
	s := NewShortTerm(map[string]string{"username": "password"})
	u := stunmsg.Username("username")
	key := stunmsg.MessageIntegrity("password")
	t.Run("positive", func(t *testing.T) {
		m := build(t, u, key)
		if _, err := s.Auth(m); err != nil {
			t.Error(err)
		}
	})
	t.Run("wrong password", func(t *testing.T) {
		m := build(t, u, stunmsg.MessageIntegrity("other"))
		if _, err := s.Auth(m); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("unknown user", func(t *testing.T) {
		m := build(t, stunmsg.Username("nobody"), key)
		if _, err := s.Auth(m); err != ErrUserNotFound {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestTimedSecret_Auth(t *testing.T) {
	secret := []byte("sharedsecret")
	now := func() time.Time { return time.Unix(1000, 0) }
	s := &TimedSecret{Realm: "realm", Secrets: [][]byte{secret}, Now: now}
	t.Run("positive", func(t *testing.T) {
		username := "2000"
		password := timedPassword(secret, username)
		key := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey(username, "realm", password))
		m := build(t, stunmsg.Username(username), key)
		if _, err := s.Auth(m); err != nil {
			t.Error(err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		username := "500"
		password := timedPassword(secret, username)
		key := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey(username, "realm", password))
		m := build(t, stunmsg.Username(username), key)
		if _, err := s.Auth(m); err != ErrCredentialExpired {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("malformed username", func(t *testing.T) {
		m := build(t, stunmsg.Username("not-a-timestamp"))
		if _, err := s.Auth(m); err != ErrMalformedUsername {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("suffix", func(t *testing.T) {
		username := "2000:client-id"
		password := timedPassword(secret, username)
		key := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey(username, "realm", password))
		m := build(t, stunmsg.Username(username), key)
		if _, err := s.Auth(m); err != nil {
			t.Error(err)
		}
	})
}

func TestMechanism_Auth(t *testing.T) {
	staticAuth := NewStatic([]StaticCredential{
		{Username: "username", Realm: "example.org", Password: "password"},
	})
	m := NewMechanism(map[string]Authenticator{
		"example.org": staticAuth,
	}, NoAuth{})
	t.Run("matched realm", func(t *testing.T) {
		key := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey("username", "example.org", "password"))
		req := build(t, stunmsg.Username("username"), stunmsg.Realm("example.org"), key)
		if _, err := m.Auth(req); err != nil {
			t.Error(err)
		}
	})
	t.Run("unmatched realm falls back to default", func(t *testing.T) {
		req := build(t, stunmsg.Realm("other.org"))
		if _, err := m.Auth(req); err != nil {
			t.Error(err)
		}
	})
	t.Run("no realm falls back to default", func(t *testing.T) {
		req := build(t)
		if _, err := m.Auth(req); err != nil {
			t.Error(err)
		}
	})
}
