package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/masomo-availability/apps/api/echo"
	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/auth"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/console"
	"github.com/trezcool/masomo-availability/core/mutation"
	"github.com/trezcool/masomo-availability/core/registry"
	emailsvc "github.com/trezcool/masomo-availability/services/email"
	logsvc "github.com/trezcool/masomo-availability/services/logger"
	"github.com/trezcool/masomo-availability/storage/database/sqlxrepos"
	testutil "github.com/trezcool/masomo-availability/tests"
)

func setup(t *testing.T) (*commandLine, *bytes.Buffer, registry.Repository) {
	t.Helper()
	db := testutil.PrepareDB(t)
	out := new(bytes.Buffer)
	cli := &commandLine{
		conf:   core.NewTestConfig(),
		logger: logsvc.NewNopLogger(),
		out:    out,
		db:     db,
	}
	return cli, out, sqlxrepos.NewRegistryRepository(db)
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantErrFn  func(error) bool
	wantOut    string // substring of the output
}

func (tt cliTest) check(t *testing.T, cli *commandLine, out *bytes.Buffer) {
	t.Helper()
	out.Reset()
	args := append([]string{"admin"}, tt.args...)

	err := cli.run(args)
	switch {
	case tt.wantErr != nil:
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	case tt.wantErrFn != nil:
		if err == nil || !tt.wantErrFn(err) {
			t.Errorf("cli.run() error = %v, want a different error", err)
		}
	case tt.wantErrStr != "":
		if err == nil || err.Error() != tt.wantErrStr {
			t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
		}
	case err != nil:
		t.Errorf("cli.run() unexpected error = %v", err)
	}
	if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
		t.Errorf("cli.run() output = %q, want it to contain %q", out.String(), tt.wantOut)
	}
}

func Test_commandLine_run(t *testing.T) {
	cli, out, _ := setup(t)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErrStr: `unknown command "lol" for "admin"`},
		{name: "tenant: no subcommand", args: []string{"tenant"}, wantErr: errHelp},
		{name: "quest: no subcommand", args: []string{"quest"}, wantErr: errHelp},
		{name: "quests: no subcommand", args: []string{"quests"}, wantErr: errHelp},
		{name: "token: no tenant", args: []string{"token"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli, out)
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli, out, _ := setup(t)

	gooseRunFunc = func(db *sqlx.DB, engine, command string, args ...string) error {
		if engine != "sqlite" {
			return fmt.Errorf("unexpected engine %q", engine)
		}
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "quest_tags", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli, out)
		})
	}
}

func Test_commandLine_registry(t *testing.T) {
	cli, out, repo := setup(t)

	tests := []cliTest{
		{name: "add tenant", args: []string{"tenant", "add", "--id", "school1", "--name", "School One", "--policy", "open"}, wantOut: "tenant school1 created (open)"},
		{name: "add tenant: curated by default", args: []string{"tenant", "add", "--id", "school2", "--name", "School Two"}, wantOut: "tenant school2 created (curated)"},
		{name: "add tenant: duplicate", args: []string{"tenant", "add", "--id", "school1", "--name", "Again"}, wantErr: registry.ErrTenantExists},
		{name: "add tenant: blank name", args: []string{"tenant", "add", "--name", "  "}, wantErrFn: isInvalid},
		{name: "add tenant: unknown mode", args: []string{"tenant", "add", "--name", "School", "--policy", "lol"}, wantErrFn: isInvalid},
		{name: "switch policy", args: []string{"tenant", "policy", "school1", "closed"}, wantOut: "tenant school1 is now closed"},
		{name: "switch policy: unknown mode", args: []string{"tenant", "policy", "school1", "lol"}, wantErrFn: isInvalid},
		{name: "switch policy: unknown tenant", args: []string{"tenant", "policy", "nope", "open"}, wantErr: registry.ErrTenantNotFound},
		{name: "switch policy: missing mode", args: []string{"tenant", "policy", "school1"}, wantErrStr: "accepts 2 arg(s), received 1"},
		{name: "add global quest", args: []string{"quest", "add", "--id", "X", "--title", "Math Quest X"}, wantOut: "quest X created (global)"},
		{name: "add owned quest", args: []string{"quest", "add", "--id", "Y", "--title", "Own Quest Y", "--owner", "school1"}, wantOut: "quest Y created (owned by school1)"},
		{name: "add quest: unknown owner", args: []string{"quest", "add", "--id", "Z", "--title", "Z", "--owner", "nope"}, wantErrFn: isInvalid},
		{name: "add quest: no title", args: []string{"quest", "add", "--id", "Z"}, wantErrFn: isInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cli, out)
		})
	}

	tnt, err := repo.GetTenant(context.Background(), "school1")
	require.NoError(t, err)
	require.Equal(t, catalog.PolicyClosed, tnt.PolicyMode)

	res, err := repo.GetResource(context.Background(), "Y")
	require.NoError(t, err)
	require.True(t, res.OwnedBy("school1"))
}

func isInvalid(err error) bool {
	var vErrs validator.ValidationErrors
	return core.IsValidation(err) || errors.As(err, &vErrs)
}

func isLocked(err error) bool { return errors.Is(err, mutation.ErrLocked) }

func Test_commandLine_token(t *testing.T) {
	cli, out, _ := setup(t)

	require.NoError(t, cli.run([]string{"admin", "token", "--tenant", "school1"}))
	claims, err := auth.ParseToken(cli.conf, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "school1", claims.TenantID)
	require.False(t, claims.IsAdmin)
	require.Equal(t, "operator", claims.Subject)

	out.Reset()
	require.NoError(t, cli.run([]string{"admin", "token", "--admin", "--subject", "ops"}))
	claims, err = auth.ParseToken(cli.conf, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.True(t, claims.IsAdmin)
	require.True(t, claims.CanActFor("school2"))
}

// startBackend serves the catalog API over the CLI's own database: school1 is curated and owns Y.
func startBackend(t *testing.T, cli *commandLine, repo registry.Repository, wraps ...func(http.Handler) http.Handler) {
	t.Helper()
	testutil.CreateTenant(t, repo, "school1", "School One", catalog.PolicyCurated)
	testutil.CreateTenant(t, repo, "school2", "School Two", catalog.PolicyOpen)
	testutil.CreateResource(t, repo, "X", "Math Quest X", "")
	testutil.CreateResource(t, repo, "Y", "Own Quest Y", "school1")
	testutil.CreateResource(t, repo, "Z", "Science Quest Z", "")

	validate, translator := testutil.NewValidator()
	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           cli.conf,
		Logger:         cli.logger,
		RegistrySvc:    registry.NewService(repo, validate),
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	var handler http.Handler = server
	for _, wrap := range wraps {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = server.Close()
	})

	cli.conf.Backend.BaseURL = srv.URL
	cli.conf.Backend.Token = newToken(t, cli.conf, "", true)
}

// failGrantsOf answers 503 to every grant of resourceID.
func failGrantsOf(resourceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/grant") {
				body, _ := io.ReadAll(r.Body)
				if strings.Contains(string(body), `"`+resourceID+`"`) {
					http.Error(w, "unavailable", http.StatusServiceUnavailable)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newToken(t *testing.T, conf *core.Config, tenantID string, isAdmin bool) string {
	t.Helper()
	token, err := auth.GenerateToken(conf, auth.NewClaims(conf, "ops", tenantID, isAdmin))
	require.NoError(t, err)
	return token
}

func mockPrompt(t *testing.T, terminal bool, answer string) {
	t.Helper()
	isTerminalFunc = func(int) bool { return terminal }
	readLineFunc = func() (string, error) { return answer + "\n", nil }
	t.Cleanup(func() {
		isTerminalFunc = func(int) bool { return false }
		readLineFunc = readLine
	})
}

func Test_commandLine_quests(t *testing.T) {
	cli, out, repo := setup(t)
	startBackend(t, cli, repo)

	granted := func(t *testing.T) []string {
		t.Helper()
		ids, err := repo.GrantedResourceIDs(context.Background(), "school1")
		require.NoError(t, err)
		return ids
	}

	t.Run("list", func(t *testing.T) {
		tt := cliTest{args: []string{"quests", "list", "school1"}, wantOut: "tenant school1 (curated)"}
		tt.check(t, cli, out)
		require.Contains(t, out.String(), "page 1/1 (3 quests)")
		require.Regexp(t, `X\s+Math Quest X\s+no`, out.String())
		require.Regexp(t, `Y\s+Own Quest Y\s+yes\s+own quest`, out.String())
	})

	t.Run("list with search", func(t *testing.T) {
		tt := cliTest{args: []string{"quests", "list", "school1", "--search", "science"}, wantOut: "page 1/1 (1 quests)"}
		tt.check(t, cli, out)
		require.NotContains(t, out.String(), "Math Quest X")
	})

	t.Run("bulk grant", func(t *testing.T) {
		mockPrompt(t, false, "")
		tt := cliTest{args: []string{"quests", "grant", "school1", "X", "Z", "--yes"}, wantOut: "2 resources updated"}
		tt.check(t, cli, out)
		require.ElementsMatch(t, []string{"X", "Z"}, granted(t))
	})

	t.Run("bulk without a terminal", func(t *testing.T) {
		mockPrompt(t, false, "")
		tt := cliTest{args: []string{"quests", "revoke", "school1", "X"}, wantErr: errNeedsConfirmation}
		tt.check(t, cli, out)
		require.ElementsMatch(t, []string{"X", "Z"}, granted(t))
	})

	t.Run("declined confirmation", func(t *testing.T) {
		mockPrompt(t, true, "n")
		tt := cliTest{args: []string{"quests", "revoke", "school1", "X"}, wantOut: "Aborted: nothing changed."}
		tt.check(t, cli, out)
		require.Contains(t, out.String(), "revoke 1 quest(s) for tenant school1? [y/N]")
		require.ElementsMatch(t, []string{"X", "Z"}, granted(t))
	})

	t.Run("confirmed revoke", func(t *testing.T) {
		mockPrompt(t, true, "yes")
		tt := cliTest{args: []string{"quests", "revoke", "school1", "--visible", "--search", "math"}, wantOut: "1 resource updated"}
		tt.check(t, cli, out)
		require.ElementsMatch(t, []string{"Z"}, granted(t))
	})

	t.Run("own quest cannot be selected", func(t *testing.T) {
		mockPrompt(t, false, "")
		tt := cliTest{args: []string{"quests", "grant", "school1", "Y", "--yes"}, wantErrFn: isInvalid}
		tt.check(t, cli, out)
	})

	t.Run("toggle", func(t *testing.T) {
		tt := cliTest{args: []string{"quests", "toggle", "school1", "X", "Z"}, wantOut: "grant X: done"}
		tt.check(t, cli, out)
		require.Contains(t, out.String(), "revoke Z: done")
		require.ElementsMatch(t, []string{"X"}, granted(t))
	})

	t.Run("open mode locks toggles", func(t *testing.T) {
		tt := cliTest{args: []string{"quests", "toggle", "school2", "X"}, wantErrFn: isLocked}
		tt.check(t, cli, out)
	})

	t.Run("tenant token cannot load the catalog", func(t *testing.T) {
		adminToken := cli.conf.Backend.Token
		cli.conf.Backend.Token = newToken(t, cli.conf, "school1", false)
		defer func() { cli.conf.Backend.Token = adminToken }()

		tt := cliTest{args: []string{"quests", "list", "school1"}, wantErrFn: catalog.IsFetchError}
		tt.check(t, cli, out)
	})
}

func Test_commandLine_quests_failureReport(t *testing.T) {
	cli, out, repo := setup(t)
	startBackend(t, cli, repo, failGrantsOf("Z"))
	cli.conf.Console.ReportEmail = "Ops <ops@school1.test>"
	mockPrompt(t, false, "")

	tt := cliTest{args: []string{"quests", "grant", "school1", "X", "Z", "--yes"}, wantErr: errFailed, wantOut: "1 of 2 resources failed to update"}
	tt.check(t, cli, out)

	// the report is sent asynchronously: it must be out by the time run returns
	mailer, ok := cli.mailer.(*emailsvc.ConsoleService)
	require.True(t, ok, "console mailer without a SendGrid key")
	sent := mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "grant failed for tenant school1", sent[0].Subject)
	require.Contains(t, sent[0].TextContent, "- Z")
	require.NotContains(t, sent[0].TextContent, "- X")

	ids, err := repo.GrantedResourceIDs(context.Background(), "school1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"X"}, ids)
}

func Test_printNotifier(t *testing.T) {
	out := new(bytes.Buffer)
	pn := &printNotifier{w: out}
	res := mutation.Result{
		TenantID: "school1",
		Action:   mutation.Grant,
		Total:    3,
		Failed:   1,
		Skipped:  []mutation.StaleSelection{{ResourceID: "Y", Reason: "owned"}},
	}

	pn.Notify(console.Notice{Level: console.LevelWarn, TenantID: "school1", Message: "1 selected resource(s) skipped: no longer eligible", Result: res})
	require.Empty(t, out.String(), "skipped selections are not printed")

	pn.Notify(console.Notice{Level: console.LevelError, TenantID: "school1", Message: "1 of 3 resources failed to update: please retry", Result: res})
	require.Equal(t, "error: 1 of 3 resources failed to update: please retry\n", out.String())
}
