package courseauth

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/MrEthical07/courseauth/permission"
)

func TestAuditTrailCoversSessionLifecycle(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit.Enabled = true
		cfg.Audit.DropIfFull = false
	}, func(b *Builder) { b.WithAuditSink(NewJSONWriterSink(&buf)) })
	ctx := WithClientIP(context.Background(), "198.51.100.4")

	res, err := env.engine.Login(ctx, "teacher@example.com", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	next, err := env.engine.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, _ = env.engine.Refresh(ctx, res.RefreshToken)
	_, _ = env.engine.Login(ctx, "teacher@example.com", "wrong-password-123")
	_ = env.engine.Logout(ctx, next.AccessToken)
	_ = env.engine.Authorize(ctx, Principal{UserID: "u-student", Role: permission.RoleStudent}, permission.ActionEdit, "c-1")
	env.engine.Close()

	out := buf.String()
	for _, typ := range []string{
		AuditLoginSuccess,
		AuditRefreshSuccess,
		AuditRefreshReuseDetected,
		AuditLoginFailure,
		AuditCourseDenied,
	} {
		if !strings.Contains(out, `"type":"`+typ+`"`) {
			t.Fatalf("missing %s event in %s", typ, out)
		}
	}
	if !strings.Contains(out, `"ip":"198.51.100.4"`) {
		t.Fatalf("client ip not recorded")
	}
	for _, secret := range []string{res.AccessToken, res.RefreshToken, next.AccessToken, testPassword, "wrong-password-123"} {
		if strings.Contains(out, secret) {
			t.Fatalf("audit output leaks a credential")
		}
	}
	if env.engine.AuditDropped() != 0 {
		t.Fatalf("blocking dispatcher dropped %d events", env.engine.AuditDropped())
	}
}

func TestAuditDisabledByDefault(t *testing.T) {
	sink := NewChannelSink(8)
	env := newTestEnv(t, nil, func(b *Builder) { b.WithAuditSink(sink) })
	env.login(t, "student@example.com")
	env.engine.Close()

	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected audit event %+v", ev)
	default:
	}
}
