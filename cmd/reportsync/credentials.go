package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// stdin is replaced in tests.
var stdin io.Reader = os.Stdin

func runCredentials(args []string) int {
	if len(args) == 0 {
		printCredentialsUsage()
		return ExitInvalidArgs
	}

	action := args[0]
	fs := flag.NewFlagSet("credentials "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	var user, password, server *string
	var passwordStdin *bool
	switch action {
	case "set":
		user = fs.String("user", "", "NTLM user, e.g. DOMAIN\\jdoe (required)")
		password = fs.String("password", "", "NTLM password (prefer -password-stdin)")
		passwordStdin = fs.Bool("password-stdin", false, "Read the password from the first line of stdin")
		server = fs.String("server", "", "Report server URL stored with the credentials; overrides base_url")
	case "show", "clear":
	case "help", "-h", "--help":
		printCredentialsUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown credentials action: %s\n", action)
		printCredentialsUsage()
		return ExitInvalidArgs
	}

	fs.Usage = func() {
		printCredentialsUsage()
		fmt.Fprintln(stderr, "\nOptions:")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args[1:]); !ok {
		return code
	}

	cfg, err := common.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	logger, flush, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer flush()

	store, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	switch action {
	case "set":
		pw := *password
		if *passwordStdin {
			line, err := bufio.NewReader(stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				fmt.Fprintf(stderr, "Error reading password: %v\n", err)
				return ExitGeneralError
			}
			pw = strings.TrimRight(line, "\r\n")
		}
		if strings.TrimSpace(*user) == "" || pw == "" {
			fmt.Fprintln(stderr, "Error: -user and a password are required")
			fs.Usage()
			return ExitInvalidArgs
		}
		if err := store.Save(*user, pw, *server); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		fmt.Fprintf(stderr, "[reportsync] Credentials saved to %s\n", store.Path())

	case "show":
		c, err := store.Load()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		fmt.Fprintf(stdout, "file: %s\n%s\n", store.Path(), c.Masked())
		if !c.Complete() {
			return ExitAuth
		}

	case "clear":
		if err := store.Clear(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		fmt.Fprintln(stderr, "[reportsync] Credentials cleared")
	}
	return ExitSuccess
}

func printCredentialsUsage() {
	fmt.Fprintln(stderr, `Usage: reportsync credentials <set|show|clear> [options]

  set    Store the NTLM user and password used against the report server
  show   Print the stored user (the password is never shown)
  clear  Delete the stored credentials

REPORTSYNC_NTLM_USER and REPORTSYNC_NTLM_PASS override the stored values.`)
}
