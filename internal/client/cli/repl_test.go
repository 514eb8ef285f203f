package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeExec struct {
	loggedIn bool
	calls    []string
	fail     error
}

func (f *fakeExec) record(call string) error {
	f.calls = append(f.calls, call)
	return f.fail
}

func (f *fakeExec) isLoggedIn() bool { return f.loggedIn }
func (f *fakeExec) Login(context.Context) error {
	f.loggedIn = true
	return f.record("login")
}
func (f *fakeExec) Logout(context.Context) error {
	f.loggedIn = false
	return f.record("logout")
}
func (f *fakeExec) WhoAmI(context.Context) error    { return f.record("whoami") }
func (f *fakeExec) Users(context.Context) error     { return f.record("users") }
func (f *fakeExec) AddUser(context.Context) error   { return f.record("adduser") }
func (f *fakeExec) AddRecord(context.Context) error { return f.record("add") }
func (f *fakeExec) List(context.Context) error      { return f.record("list") }
func (f *fakeExec) Show(_ context.Context, id string) error {
	return f.record("show " + id)
}
func (f *fakeExec) Delete(_ context.Context, id string) error {
	return f.record("delete " + id)
}
func (f *fakeExec) Presets(context.Context) error { return f.record("presets") }
func (f *fakeExec) AddPreset(_ context.Context, name string) error {
	return f.record("addpreset " + name)
}
func (f *fakeExec) EditPreset(_ context.Context, n int, name string) error {
	return f.record(fmt.Sprintf("editpreset %d %s", n, name))
}
func (f *fakeExec) DeletePreset(_ context.Context, n int) error {
	return f.record(fmt.Sprintf("delpreset %d", n))
}
func (f *fakeExec) Backups(context.Context) error { return f.record("backups") }
func (f *fakeExec) Restore(context.Context) error { return f.record("restore") }
func (f *fakeExec) Refresh(context.Context) error { return f.record("refresh") }
func (f *fakeExec) Status(context.Context) error  { return f.record("status") }

func captureOutput(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	orig := printlnFn
	printlnFn = func(a ...any) (int, error) {
		lines = append(lines, fmt.Sprintln(a...))
		return 0, nil
	}
	t.Cleanup(func() { printlnFn = orig })
	return &lines
}

func run(exec execIface, input ...string) {
	sc := bufio.NewScanner(strings.NewReader(strings.Join(input, "\n")))
	runREPL(context.Background(), exec, func() string { return "status" }, sc)
}

func TestRunREPL_LoginFlowAndCommands(t *testing.T) {
	captureOutput(t)
	exec := &fakeExec{}

	run(exec,
		"help",
		"list",
		"login",
		"help",
		"add",
		"l",
		"show abc",
		"delete abc",
		"addpreset Group A",
		"editpreset 2 Group B",
		"delpreset 1",
		"presets",
		"backups",
		"restore",
		"refresh",
		"whoami",
		"users",
		"adduser",
		"status",
		"foobar",
		"logout",
		"exit",
		"list",
	)

	assert.Equal(t, []string{
		"login", "add", "list", "show abc", "delete abc",
		"addpreset Group A", "editpreset 2 Group B", "delpreset 1",
		"presets", "backups", "restore", "refresh", "whoami", "users",
		"adduser", "status", "logout",
	}, exec.calls)
}

func TestRunREPL_RequiresLogin(t *testing.T) {
	out := captureOutput(t)
	exec := &fakeExec{}

	run(exec, "add", "status", "quit")

	assert.Equal(t, []string{"status"}, exec.calls)
	assert.Contains(t, strings.Join(*out, ""), "Please login first")
}

func TestRunREPL_UsageErrors(t *testing.T) {
	out := captureOutput(t)
	exec := &fakeExec{loggedIn: true}

	run(exec, "show", "delete", "addpreset", "editpreset x name", "editpreset 0 name", "editpreset 1", "delpreset -1")

	assert.Empty(t, exec.calls)
	joined := strings.Join(*out, "")
	assert.Contains(t, joined, "Usage: show <id>")
	assert.Contains(t, joined, "Usage: editpreset <n> <name>")
	assert.Contains(t, joined, "Usage: delpreset <n>")
}

func TestRunREPL_PrintsHandlerErrors(t *testing.T) {
	out := captureOutput(t)
	exec := &fakeExec{loggedIn: true, fail: errors.New("boom")}

	run(exec, "list", "list")

	assert.Len(t, exec.calls, 2)
	assert.Contains(t, strings.Join(*out, ""), "Error: boom")
}
