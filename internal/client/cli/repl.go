package cli

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL drives. App satisfies it;
// tests provide a stub.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	WhoAmI(ctx context.Context) error
	Users(ctx context.Context) error
	AddUser(ctx context.Context) error
	AddRecord(ctx context.Context) error
	List(ctx context.Context) error
	Show(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Presets(ctx context.Context) error
	AddPreset(ctx context.Context, name string) error
	EditPreset(ctx context.Context, n int, name string) error
	DeletePreset(ctx context.Context, n int) error
	Backups(ctx context.Context) error
	Restore(ctx context.Context) error
	Refresh(ctx context.Context) error
	Status(ctx context.Context) error
}

// commands anyone may run; the rest need a session.
var anonymous = map[string]bool{
	"help": true, "login": true, "status": true, "exit": true, "quit": true,
}

// runREPL reads commands from scanner and dispatches them to a until EOF
// or exit. Handler errors are printed and the loop goes on.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("rs %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		if !anonymous[cmd] && !a.isLoggedIn() {
			printlnFn("Please login first")
			continue
		}

		var err error
		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: add, (l)ist, show, delete, presets, addpreset, editpreset, delpreset, backups, restore, refresh, users, adduser, whoami, status, logout, exit")
			} else {
				printlnFn("Available commands: login, status, exit")
			}

		case "login":
			err = a.Login(ctx)
		case "logout":
			err = a.Logout(ctx)
		case "whoami":
			err = a.WhoAmI(ctx)
		case "users":
			err = a.Users(ctx)
		case "adduser":
			err = a.AddUser(ctx)

		case "add":
			err = a.AddRecord(ctx)
		case "l", "list":
			err = a.List(ctx)
		case "show":
			if len(args) == 0 {
				printlnFn("Usage: show <id>")
				continue
			}
			err = a.Show(ctx, args[0])
		case "delete":
			if len(args) == 0 {
				printlnFn("Usage: delete <id>")
				continue
			}
			err = a.Delete(ctx, args[0])

		case "presets":
			err = a.Presets(ctx)
		case "addpreset":
			if len(args) == 0 {
				printlnFn("Usage: addpreset <name>")
				continue
			}
			err = a.AddPreset(ctx, strings.Join(args, " "))
		case "editpreset":
			n, ok := presetNumber(args, 2)
			if !ok {
				printlnFn("Usage: editpreset <n> <name>")
				continue
			}
			err = a.EditPreset(ctx, n, strings.Join(args[1:], " "))
		case "delpreset":
			n, ok := presetNumber(args, 1)
			if !ok {
				printlnFn("Usage: delpreset <n>")
				continue
			}
			err = a.DeletePreset(ctx, n)

		case "backups":
			err = a.Backups(ctx)
		case "restore":
			err = a.Restore(ctx)
		case "refresh":
			err = a.Refresh(ctx)
		case "status":
			err = a.Status(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err)
		}
	}
}

// presetNumber parses the 1-based preset number in args[0].
func presetNumber(args []string, minArgs int) (int, bool) {
	if len(args) < minArgs {
		return 0, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
