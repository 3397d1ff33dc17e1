// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/clock"
	"github.com/bureau-foundation/middlewared/lib/jobs"
	"github.com/bureau-foundation/middlewared/lib/model"
	"github.com/bureau-foundation/middlewared/lib/ratelimit"
	"github.com/bureau-foundation/middlewared/lib/workerpool"
)

var epoch = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	dispatcher *Dispatcher
	sessions   *auth.Registry
	jobs       *jobs.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.Fake(epoch)
	manager := jobs.NewManager(jobs.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return &fixture{
		dispatcher: New(Config{
			Jobs:      manager,
			Workers:   workerpool.New(2),
			RateLimit: ratelimit.New(ratelimit.Config{Clock: fake}),
			Clock:     fake,
		}),
		sessions: auth.NewRegistry(fake, 0),
		jobs:     manager,
	}
}

// session opens a session logged in with roles, or an anonymous one
// when roles is nil.
func (f *fixture) session(t *testing.T, roles ...string) *auth.Session {
	t.Helper()
	session := f.sessions.Open(auth.Origin{Transport: "websocket", RemoteAddr: "192.0.2.10:40000"}, nil)
	if roles != nil {
		session.SetCredential(auth.NewCredential(f.dispatcher.Roles(), auth.KindPassword, "tester", 1000, roles))
	}
	return session
}

func positional(t *testing.T, values ...any) model.Params {
	t.Helper()
	params, err := encodeArgs(values)
	if err != nil {
		t.Fatal(err)
	}
	return params
}

func requireKind(t *testing.T, err error, kind apierror.Kind, errno int) {
	t.Helper()
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v (%T), want *apierror.Error", err, err)
	}
	if apiErr.Kind != kind || apiErr.Errno != errno {
		t.Fatalf("err = %s/%s, want %s/%s", apiErr.Kind, apierror.ErrnoName(apiErr.Errno), kind, apierror.ErrnoName(errno))
	}
}

type greetArgs struct {
	Name string `json:"name" validate:"nonempty"`
	Loud bool   `json:"loud"`
}

func greet(ctx context.Context, call *Call, args greetArgs) (string, error) {
	greeting := "hello " + args.Name
	if args.Loud {
		greeting = strings.ToUpper(greeting)
	}
	return greeting, nil
}

type account struct {
	Username string `json:"username"`
	Unixhash string `json:"unixhash" secret:"true"`
}

func TestRegistrationRules(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher
	noop := func(ctx context.Context, call *Call, args Args) (bool, error) { return true, nil }

	if err := Register(d, Method{Name: "test.ok", Roles: []string{"ACCOUNT_READ"}}, noop); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	for _, test := range []struct {
		name   string
		method Method
	}{
		{"duplicate", Method{Name: "test.ok", Roles: []string{"ACCOUNT_READ"}}},
		{"public without roles", Method{Name: "test.noroles"}},
		{"auth and authz disabled", Method{Name: "test.open", NoAuth: true, NoAuthz: true}},
		{"private with roles", Method{Name: "test.private", Private: true, Roles: []string{"ACCOUNT_READ"}}},
		{"unknown role", Method{Name: "test.badrole", Roles: []string{"NO_SUCH_ROLE"}}},
		{"write method on read role", Method{Name: "test.thing.create", Roles: []string{"ACCOUNT_READ"}}},
		{"adapter newer than method", Method{Name: "test.adapted", Roles: []string{"ACCOUNT_READ"}, Version: "v25.04.0", Adapters: []Adapter{{Version: "v25.10.0"}}}},
	} {
		if err := Register(d, test.method, noop); err == nil {
			t.Errorf("%s: registration accepted", test.name)
		}
	}
	if err := Register(d, Method{Name: "test.args", Roles: []string{"ACCOUNT_READ"}}, func(ctx context.Context, call *Call, args int) (int, error) { return args, nil }); err == nil {
		t.Error("non-struct argument type accepted")
	}
}

func TestCallAuthorization(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "greet.say", Roles: []string{"ACCOUNT_READ"}}, greet)
	MustRegister(f.dispatcher, Method{Name: "greet.anyone", NoAuthz: true}, greet)
	ctx := context.Background()
	params := positional(t, "world")

	_, err := f.dispatcher.Call(ctx, f.session(t), "greet.say", params)
	requireKind(t, err, apierror.KindNotAuthenticated, apierror.ENOTAUTHENTICATED)

	_, err = f.dispatcher.Call(ctx, f.session(t, "SERVICE_READ"), "greet.say", params)
	requireKind(t, err, apierror.KindPermissionDenied, apierror.EACCES)

	for _, roles := range [][]string{{"ACCOUNT_READ"}, {"ACCOUNT_WRITE"}, {auth.FullAdmin}} {
		result, err := f.dispatcher.Call(ctx, f.session(t, roles...), "greet.say", params)
		if err != nil {
			t.Fatalf("roles %v: %v", roles, err)
		}
		if result != "hello world" {
			t.Fatalf("roles %v: result = %v", roles, result)
		}
	}

	if _, err := f.dispatcher.Call(ctx, f.session(t, "SERVICE_READ"), "greet.anyone", params); err != nil {
		t.Fatalf("NoAuthz method refused an authenticated caller: %v", err)
	}
	_, err = f.dispatcher.Call(ctx, f.session(t), "greet.anyone", params)
	requireKind(t, err, apierror.KindNotAuthenticated, apierror.ENOTAUTHENTICATED)

	_, err = f.dispatcher.Call(ctx, f.session(t, auth.FullAdmin), "greet.missing", params)
	requireKind(t, err, apierror.KindCall, apierror.ENOMETHOD)
}

func TestNoAuthzStillChecksAPIKeys(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "greet.anyone", NoAuthz: true}, greet)
	ctx := context.Background()
	params := positional(t, "world")

	withKey := func(roles ...string) *auth.Session {
		session := f.sessions.Open(auth.Origin{Transport: "websocket", RemoteAddr: "192.0.2.11:40000"}, nil)
		session.SetCredential(auth.NewCredential(f.dispatcher.Roles(), auth.KindAPIKey, "tester", 1000, roles))
		return session
	}
	_, err := f.dispatcher.Call(ctx, withKey("SERVICE_READ"), "greet.anyone", params)
	requireKind(t, err, apierror.KindPermissionDenied, apierror.EACCES)
	if result, err := f.dispatcher.Call(ctx, withKey(auth.FullAdmin), "greet.anyone", params); err != nil || result != "hello world" {
		t.Fatalf("full admin API key: result = %v, err = %v", result, err)
	}
	if _, err := f.dispatcher.Call(ctx, f.session(t, "SERVICE_READ"), "greet.anyone", params); err != nil {
		t.Fatalf("password session refused: %v", err)
	}
}

func TestValidationPrecedesHandler(t *testing.T) {
	f := newFixture(t)
	called := false
	MustRegister(f.dispatcher, Method{Name: "greet.say", Roles: []string{"ACCOUNT_READ"}},
		func(ctx context.Context, call *Call, args greetArgs) (string, error) {
			called = true
			return "", nil
		})
	session := f.session(t, auth.FullAdmin)

	_, err := f.dispatcher.Call(context.Background(), session, "greet.say", positional(t, ""))
	requireKind(t, err, apierror.KindValidation, apierror.EINVAL)
	var apiErr *apierror.Error
	errors.As(err, &apiErr)
	items, ok := apiErr.Extra.([][]any)
	if !ok || len(items) != 1 || items[0][0] != "name" || items[0][1] != "empty" {
		t.Fatalf("extra = %#v", apiErr.Extra)
	}

	_, err = f.dispatcher.Call(context.Background(), session, "greet.say", model.Params{
		Named: map[string]json.RawMessage{"nmae": json.RawMessage(`"x"`)},
	})
	requireKind(t, err, apierror.KindValidation, apierror.EINVAL)
	if called {
		t.Fatal("handler ran despite invalid arguments")
	}
}

func TestNamedParameters(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "greet.say", Roles: []string{"ACCOUNT_READ"}}, greet)
	result, err := f.dispatcher.Call(context.Background(), f.session(t, auth.FullAdmin), "greet.say", model.Params{
		Named: map[string]json.RawMessage{"name": json.RawMessage(`"bob"`), "loud": json.RawMessage(`true`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "HELLO BOB" {
		t.Fatalf("result = %v", result)
	}
}

func TestResultRedaction(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "user.query", Roles: []string{"ACCOUNT_READ"}},
		func(ctx context.Context, call *Call, args Args) ([]account, error) {
			return []account{{Username: "root", Unixhash: "$6$salt$hash"}}, nil
		})
	ctx := context.Background()

	hashOf := func(session *auth.Session) any {
		t.Helper()
		result, err := f.dispatcher.Call(ctx, session, "user.query", model.Params{})
		if err != nil {
			t.Fatal(err)
		}
		return result.([]any)[0].(map[string]any)["unixhash"]
	}

	admin := f.session(t, auth.FullAdmin)
	if got := hashOf(admin); got != "$6$salt$hash" {
		t.Errorf("full admin unixhash = %v", got)
	}
	if got := hashOf(f.session(t, "ACCOUNT_READ")); got != model.Redacted {
		t.Errorf("ACCOUNT_READ unixhash = %v", got)
	}
	if got := hashOf(f.session(t, "ACCOUNT_WRITE")); got != "$6$salt$hash" {
		t.Errorf("ACCOUNT_WRITE unixhash = %v", got)
	}

	admin.SetCredential(admin.Credential().WithReadonly(f.dispatcher.Roles()))
	if got := hashOf(admin); got != model.Redacted {
		t.Errorf("readonly admin unixhash = %v", got)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "test.panic", Roles: []string{"ACCOUNT_READ"}},
		func(ctx context.Context, call *Call, args Args) (any, error) { panic("boom") })
	MustRegister(f.dispatcher, Method{Name: "test.blocking_panic", Roles: []string{"ACCOUNT_READ"}, Blocking: true},
		func(ctx context.Context, call *Call, args Args) (any, error) { panic("boom") })

	session := f.session(t, auth.FullAdmin)
	for _, name := range []string{"test.panic", "test.blocking_panic"} {
		_, err := f.dispatcher.Call(context.Background(), session, name, model.Params{})
		requireKind(t, err, apierror.KindInternal, apierror.EFAULT)
		var apiErr *apierror.Error
		errors.As(err, &apiErr)
		if !strings.Contains(apiErr.Reason, "boom") || apiErr.Stack == "" {
			t.Errorf("%s: reason=%q stack empty=%v", name, apiErr.Reason, apiErr.Stack == "")
		}
		if wire := apiErr.ToWire(Private(f.session(t, "ACCOUNT_READ"))); wire.Reason != "Internal error" {
			t.Errorf("%s: public wire reason = %q", name, wire.Reason)
		}
	}
}

func TestRateLimitedAnonymousCalls(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "auth.login_with_token", NoAuth: true},
		func(ctx context.Context, call *Call, args struct {
			Token string `json:"token"`
		}) (bool, error) {
			return false, nil
		})
	MustRegister(f.dispatcher, Method{Name: "core.ping", NoAuth: true, NoRateLimit: true},
		func(ctx context.Context, call *Call, args Args) (string, error) { return "pong", nil })

	ctx := context.Background()
	params := positional(t, "bogus")
	for i := range 10 {
		if _, err := f.dispatcher.Call(ctx, f.session(t), "auth.login_with_token", params); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := f.dispatcher.Call(ctx, f.session(t), "auth.login_with_token", params)
	requireKind(t, err, apierror.KindPermissionDenied, apierror.EAGAIN)

	// Authenticated callers are not limited.
	if _, err := f.dispatcher.Call(ctx, f.session(t, auth.FullAdmin), "auth.login_with_token", params); err != nil {
		t.Fatalf("authenticated call limited: %v", err)
	}
	for range 20 {
		if _, err := f.dispatcher.Call(ctx, f.session(t), "core.ping", model.Params{}); err != nil {
			t.Fatalf("unlimited method limited: %v", err)
		}
	}
}

type sudoArgs struct {
	Entry struct {
		Username string   `json:"username"`
		Sudo     []string `json:"sudo_commands"`
	} `json:"entry"`
}

// The old shape had a boolean "sudo" instead of a command list.
var sudoAdapter = Adapter{
	Version: "v25.04.2",
	FromPrevious: func(params []any) ([]any, error) {
		entry, ok := params[0].(map[string]any)
		if !ok {
			return params, nil
		}
		adapted := make(map[string]any, len(entry))
		for key, value := range entry {
			if key == "sudo" {
				var commands []any
				if value == true {
					commands = []any{"ALL"}
				}
				adapted["sudo_commands"] = commands
				continue
			}
			adapted[key] = value
		}
		return []any{adapted}, nil
	},
	ToPrevious: func(result any) (any, error) {
		entry, ok := result.(map[string]any)
		if !ok {
			return result, nil
		}
		adapted := make(map[string]any, len(entry))
		for key, value := range entry {
			if key == "sudo_commands" {
				commands, _ := value.([]any)
				adapted["sudo"] = len(commands) > 0
				continue
			}
			adapted[key] = value
		}
		return adapted, nil
	},
}

func TestVersionAdapters(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{
		Name:     "user.echo",
		Roles:    []string{"ACCOUNT_READ"},
		Version:  "v25.10.0",
		Adapters: []Adapter{sudoAdapter},
	}, func(ctx context.Context, call *Call, args sudoArgs) (any, error) {
		return args.Entry, nil
	})
	ctx := context.Background()

	old := f.session(t, auth.FullAdmin)
	old.SetVersion("v25.04.0")
	result, err := f.dispatcher.Call(ctx, old, "user.echo", positional(t, map[string]any{"username": "bob", "sudo": true}))
	if err != nil {
		t.Fatalf("old-version call: %v", err)
	}
	entry := result.(map[string]any)
	if entry["sudo"] != true || entry["username"] != "bob" {
		t.Fatalf("old-version result = %v", entry)
	}
	if _, present := entry["sudo_commands"]; present {
		t.Fatalf("old-version result leaks the new field: %v", entry)
	}

	current := f.session(t, auth.FullAdmin)
	result, err = f.dispatcher.Call(ctx, current, "user.echo", positional(t, map[string]any{"username": "bob", "sudo_commands": []string{"ALL"}}))
	if err != nil {
		t.Fatalf("current-version call: %v", err)
	}
	if commands := result.(map[string]any)["sudo_commands"].([]any); len(commands) != 1 || commands[0] != "ALL" {
		t.Fatalf("current-version result = %v", result)
	}

	// A session pinned past the adapter's version is not adapted.
	pinned := f.session(t, auth.FullAdmin)
	pinned.SetVersion("v25.10.0")
	if _, err := f.dispatcher.Call(ctx, pinned, "user.echo", positional(t, map[string]any{"username": "bob", "sudo": true})); err == nil {
		t.Fatal("new-version session accepted the old shape")
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	for _, fixture := range []map[string]any{
		{"username": "a", "sudo": true},
		{"username": "b", "sudo": false},
	} {
		adapted, err := sudoAdapter.FromPrevious([]any{fixture})
		if err != nil {
			t.Fatal(err)
		}
		back, err := sudoAdapter.ToPrevious(adapted[0])
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(back) != fmt.Sprint(fixture) {
			t.Errorf("round trip of %v gave %v", fixture, back)
		}
	}
}

type scrubArgs struct {
	Pool     string `json:"pool"`
	Password string `json:"password" secret:"true"`
}

func TestJobMethods(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	MustRegister(f.dispatcher, Method{
		Name:  "pool.scrub",
		Roles: []string{"POOL_SCRUB_WRITE"},
		Job: &JobOptions{
			Locks:       Locks(func(args scrubArgs) []string { return []string{"pool_scrub_" + args.Pool} }),
			Description: Describe(func(args scrubArgs) string { return "Scrubbing " + args.Pool }),
			Abortable:   true,
		},
	}, func(ctx context.Context, call *Call, args scrubArgs) (string, error) {
		if call.Job == nil {
			return "", fmt.Errorf("handler ran outside a job")
		}
		call.Job.SetProgress(50, "halfway", nil)
		<-release
		return "scrubbed " + args.Pool, nil
	})

	session := f.session(t, "POOL_SCRUB_WRITE")
	result, err := f.dispatcher.Call(context.Background(), session, "pool.scrub", positional(t, "tank", "hunter2"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	id, ok := result.(int64)
	if !ok {
		t.Fatalf("result = %v (%T), want a job id", result, result)
	}

	records, err := f.jobs.Query(jobs.QueryRequest{})
	if err != nil {
		t.Fatal(err)
	}
	record := records.([]map[string]any)[0]
	arguments := record["arguments"].([]any)
	if arguments[0] != "tank" || arguments[1] != model.Redacted {
		t.Fatalf("stored arguments = %v", arguments)
	}
	if record["description"] != "Scrubbing tank" {
		t.Fatalf("description = %v", record["description"])
	}
	credentials := record["credentials"].(map[string]any)
	if credentials["type"] != string(auth.KindPassword) {
		t.Fatalf("credentials = %v", credentials)
	}

	close(release)
	value, err := f.jobs.Wait(context.Background(), id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if value != "scrubbed tank" {
		t.Fatalf("job result = %v", value)
	}
}

func TestInternalCalls(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "greet.say", Roles: []string{"ACCOUNT_READ"}}, greet)
	MustRegister(f.dispatcher, Method{Name: "greet.secret", Private: true},
		func(ctx context.Context, call *Call, args Args) (account, error) {
			return account{Username: "root", Unixhash: "x"}, nil
		})
	MustRegister(f.dispatcher, Method{
		Name:  "test.double",
		Roles: []string{"ACCOUNT_WRITE"},
		Job:   &JobOptions{},
	}, func(ctx context.Context, call *Call, args struct {
		N int `json:"n"`
	}) (int, error) {
		return args.N * 2, nil
	})
	ctx := context.Background()

	greeting, err := CallInto[string](ctx, f.dispatcher, "greet.say", "internal", true)
	if err != nil || greeting != "HELLO INTERNAL" {
		t.Fatalf("CallInto = %q, %v", greeting, err)
	}
	secret, err := CallInto[account](ctx, f.dispatcher, "greet.secret")
	if err != nil || secret.Unixhash != "x" {
		t.Fatalf("private internal call = %+v, %v", secret, err)
	}
	doubled, err := f.dispatcher.CallInternal(ctx, "test.double", 21)
	if err != nil || doubled != 42 {
		t.Fatalf("internal job call = %v, %v", doubled, err)
	}

	// Private methods stay out of reach for non-admin sessions.
	_, err = f.dispatcher.Call(ctx, f.session(t, "ACCOUNT_WRITE"), "greet.secret", model.Params{})
	requireKind(t, err, apierror.KindPermissionDenied, apierror.EACCES)
	if _, err := f.dispatcher.Call(ctx, f.session(t, auth.FullAdmin), "greet.secret", model.Params{}); err != nil {
		t.Fatalf("full admin refused a private method: %v", err)
	}
}

func TestMethodsIntrospection(t *testing.T) {
	f := newFixture(t)
	MustRegister(f.dispatcher, Method{Name: "greet.say", Roles: []string{"ACCOUNT_READ"}}, greet)
	MustRegister(f.dispatcher, Method{Name: "greet.hidden", Private: true}, greet)

	public := f.dispatcher.Methods(false)
	if len(public) != 1 || public[0].Name != "greet.say" {
		t.Fatalf("public methods = %+v", public)
	}
	if args := public[0].Arguments; len(args) != 2 || args[0] != "name" || args[1] != "loud" {
		t.Fatalf("arguments = %v", args)
	}
	if all := f.dispatcher.Methods(true); len(all) != 2 || all[0].Name != "greet.hidden" {
		t.Fatalf("all methods = %+v", all)
	}
}
