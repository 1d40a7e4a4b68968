// Command escractl is the operator console for the escra API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"

	"github.com/Hashdive/escra-example/auth"
)

const usage = `usage: escractl <command> [flags]

commands:
  submit <envelopeId>   run the chain pipeline for a completed agreement
  cancel <envelopeId>   cancel the registry entry of a pending agreement
  show <envelopeId>     print the verification record
  list                  list agreements
  login                 obtain an operator token
  hash-password         bcrypt a password read from stdin for the config file

flags (submit, cancel, show, list, login):
  -api     API base URL (default $ESCRA_API or http://localhost:8080)
  -token   operator token (default $ESCRA_TOKEN)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code, err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "escractl: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) (int, error) {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return 2, nil
	}
	cmd, rest := args[0], args[1:]

	if cmd == "hash-password" {
		return hashPassword(stdin, stdout)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	api := fs.String("api", envOr("ESCRA_API", "http://localhost:8080"), "API base URL")
	token := fs.String("token", os.Getenv("ESCRA_TOKEN"), "operator token")
	name := fs.String("name", "", "operator name (login)")
	if err := fs.Parse(rest); err != nil {
		return 2, err
	}
	client := newAPIClient(*api, *token)

	switch cmd {
	case "submit":
		id, err := oneArg(fs)
		if err != nil {
			return 2, err
		}
		res, status, err := client.Submit(ctx, id)
		if err != nil {
			return 1, err
		}
		printResult(stdout, id, res)
		if status != http.StatusOK {
			return 1, nil
		}
		return 0, nil
	case "cancel":
		id, err := oneArg(fs)
		if err != nil {
			return 2, err
		}
		o, status, err := client.Cancel(ctx, id)
		if err != nil {
			return 1, err
		}
		fmt.Fprintf(stdout, "%s %s\n", heading("cancel"), id)
		printOutcome(stdout, o)
		if status != http.StatusOK {
			return 1, nil
		}
		return 0, nil
	case "show":
		id, err := oneArg(fs)
		if err != nil {
			return 2, err
		}
		v, err := client.Verification(ctx, id)
		if err != nil {
			return 1, err
		}
		printVerification(stdout, v)
		return 0, nil
	case "list":
		items, err := client.List(ctx)
		if err != nil {
			return 1, err
		}
		printList(stdout, items)
		return 0, nil
	case "login":
		if *name == "" {
			return 2, errors.New("login requires -name")
		}
		password, err := readLine(stdin)
		if err != nil {
			return 1, err
		}
		tok, err := client.Login(ctx, *name, password)
		if err != nil {
			return 1, err
		}
		fmt.Fprintln(stdout, tok)
		return 0, nil
	default:
		fmt.Fprint(stdout, usage)
		return 2, fmt.Errorf("unknown command %q", cmd)
	}
}

func hashPassword(stdin io.Reader, stdout io.Writer) (int, error) {
	password, err := readLine(stdin)
	if err != nil {
		return 1, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return 1, err
	}
	fmt.Fprintln(stdout, hash)
	return 0, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func oneArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one envelope id", fs.Name())
	}
	return fs.Arg(0), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
